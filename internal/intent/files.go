package intent

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var upperFolder = strings.NewReplacer("Á", "A", "É", "E", "Í", "I", "Ó", "O", "Ú", "U")

func normalizeQuestion(q string) string {
	return upperFolder.Replace(strings.ToUpper(q))
}

var (
	symbolAfterRe = regexp.MustCompile(`\b(?:DE|DEL|DE LA|SYMBOL)\s+([A-Z]{1,6})\b`)
	wordRe        = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
	docTypeRe     = regexp.MustCompile(`\b(K10|Q10|10K|10Q)\b`)
	yearRe        = regexp.MustCompile(`(20\d{2})`)
	periodRe      = regexp.MustCompile(`\b(Q[1-4]|ANUAL|Y20\d{2})\b`)

	rankK10Re = regexp.MustCompile(`\b(K10|10K|10-K|ANUAL|FORM\s*K)\b`)
	rankQ10Re = regexp.MustCompile(`\b(Q10|10Q|10-Q|TRIMESTRAL|FORM\s*Q)\b`)
)

// CompetitionFile maps questions such as "competencia de AAPL K10 2024
// anual" to a competition summary report.
type CompetitionFile struct{}

func (CompetitionFile) Name() string { return "competition_file" }

// DetectPath returns
// {K10|Q10}_competition_summary_report/{year}/{SYM}_{year}_{period}_competition.json.
func (CompetitionFile) DetectPath(question string) (string, bool) {
	q := normalizeQuestion(question)

	symbol := ""
	if m := symbolAfterRe.FindStringSubmatch(q); m != nil {
		symbol = m[1]
	} else if words := wordRe.FindAllString(q, -1); len(words) > 0 {
		symbol = words[len(words)-1]
	}

	docType := ""
	if m := docTypeRe.FindStringSubmatch(q); m != nil {
		docType = m[1]
		switch docType {
		case "10K":
			docType = "K10"
		case "10Q":
			docType = "Q10"
		}
	} else if strings.Contains(q, "ANUAL") {
		docType = "K10"
	} else if strings.Contains(q, "TRIMESTRAL") || strings.Contains(q, "Q") {
		docType = "Q10"
	}

	year := ""
	if m := yearRe.FindStringSubmatch(q); m != nil {
		year = m[1]
	}

	period := ""
	if m := periodRe.FindStringSubmatch(q); m != nil {
		period = m[1]
		if period == "ANUAL" && year != "" {
			period = "Y" + year
		}
	} else if docType == "K10" && year != "" {
		period = "Y" + year
	}

	if symbol == "" || docType == "" || year == "" || period == "" || period == "ANUAL" {
		return "", false
	}
	folder := docType + "_competition_summary_report"
	return path.Join(folder, year, fmt.Sprintf("%s_%s_%s_competition.json", symbol, year, period)), true
}

// SentimentRankingFile maps questions about the sentiment ranking of a
// year to its CSV report.
type SentimentRankingFile struct{}

func (SentimentRankingFile) Name() string { return "sentiment_ranking_file" }

// DetectPath returns
// {K10|Q10}_sentiment_summary_report_rank/{year}/sentiment_summary_ranking_{year}.csv.
func (SentimentRankingFile) DetectPath(question string) (string, bool) {
	q := normalizeQuestion(question)

	docType := ""
	switch {
	case rankK10Re.MatchString(q):
		docType = "K10"
	case rankQ10Re.MatchString(q):
		docType = "Q10"
	default:
		return "", false
	}
	m := yearRe.FindStringSubmatch(q)
	if m == nil {
		return "", false
	}
	year := m[1]
	return path.Join(docType+"_sentiment_summary_report_rank", year,
		"sentiment_summary_ranking_"+year+".csv"), true
}
