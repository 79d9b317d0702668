package intent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/seenimoa/zchatbot/internal/llm"
	"github.com/seenimoa/zchatbot/internal/prompts"
	"github.com/seenimoa/zchatbot/internal/whatsapp"
)

// CatalogueEntry describes one detector.
type CatalogueEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Stateful    bool   `yaml:"stateful"`
}

// Catalogue lists the known intents and named groups of them, as read
// from intents.yaml.
type Catalogue struct {
	Intents []CatalogueEntry    `yaml:"intents"`
	Groups  map[string][]string `yaml:"groups"`
}

// DefaultCatalogue is used when no intents.yaml is present.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		Intents: []CatalogueEntry{
			{Name: NamePropertyDownload, Description: "download every CABA sale listing from Zonaprop"},
			{Name: NameCommandExecution, Description: "run a command over an exported TXT file"},
			{Name: NameMoneyTransfer, Description: "demo money transfer", Stateful: true},
			{Name: NameOutboundSales, Description: "start an outbound WhatsApp sales thread", Stateful: true},
			{Name: NamePortfolioRotation, Description: "send the portfolio recommendation to a contact list"},
		},
		Groups: map[string][]string{
			"property_business": {NameCommandExecution, NamePropertyDownload},
		},
	}
}

// LoadCatalogue reads a catalogue file. A missing file yields the default.
func LoadCatalogue(path string) (Catalogue, error) {
	if path == "" {
		return DefaultCatalogue(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultCatalogue(), nil
	}
	if err != nil {
		return Catalogue{}, fmt.Errorf("intent: read catalogue: %w", err)
	}
	return ParseCatalogue(data)
}

// ParseCatalogue decodes intents.yaml content.
func ParseCatalogue(data []byte) (Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalogue{}, fmt.Errorf("intent: parse catalogue: %w", err)
	}
	return c, nil
}

// Resolve expands group names and returns the intents in order, without
// duplicates.
func (c Catalogue) Resolve(names []string) ([]string, error) {
	known := make(map[string]bool, len(c.Intents))
	for _, e := range c.Intents {
		known[e.Name] = true
	}
	seen := make(map[string]bool)
	var out []string
	add := func(n string) error {
		if !known[n] {
			return fmt.Errorf("%w: %s", ErrUnknownIntent, n)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
		return nil
	}
	for _, raw := range names {
		n := strings.TrimSpace(raw)
		if n == "" {
			continue
		}
		if members, ok := c.Groups[n]; ok {
			for _, m := range members {
				if err := add(m); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := add(n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Deps are the collaborators detectors need. Only the ones used by the
// enabled intents must be set.
type Deps struct {
	Provider      llm.Provider
	Prompts       *prompts.IntentLoader
	State         *StateStore
	Downloader    Downloader
	Executor      FileExecutor
	Sender        whatsapp.Sender
	Conversations *whatsapp.ConversationStore
	Contacts      ContactFinder
	Logger        *zap.Logger
}

// Settings are the plain values detectors need.
type Settings struct {
	Model            string
	WhatsAppTo       string
	WhatsAppFrom     string
	RotationContacts string
	RotationMessage  string
}

type factory func(cls classifier, d Deps, s Settings) (Detector, error)

var factories = map[string]factory{
	NamePropertyDownload: func(cls classifier, d Deps, _ Settings) (Detector, error) {
		if d.Downloader == nil {
			return nil, fmt.Errorf("%w: downloader for %s", ErrMissingDep, NamePropertyDownload)
		}
		return NewPropertyDownload(cls, d.Downloader), nil
	},
	NameCommandExecution: func(cls classifier, d Deps, _ Settings) (Detector, error) {
		if d.Executor == nil {
			return nil, fmt.Errorf("%w: executor for %s", ErrMissingDep, NameCommandExecution)
		}
		return NewCommandExecution(cls, d.Executor), nil
	},
	NameMoneyTransfer: func(cls classifier, d Deps, _ Settings) (Detector, error) {
		return NewMoneyTransfer(cls, d.State), nil
	},
	NameOutboundSales: func(cls classifier, d Deps, s Settings) (Detector, error) {
		return NewOutboundSales(cls, d.State, d.Sender, d.Conversations, s.WhatsAppTo, s.WhatsAppFrom), nil
	},
	NamePortfolioRotation: func(cls classifier, d Deps, s Settings) (Detector, error) {
		if d.Contacts == nil {
			return nil, fmt.Errorf("%w: contacts for %s", ErrMissingDep, NamePortfolioRotation)
		}
		return &PortfolioRotation{
			provider:      d.Provider,
			prompts:       d.Prompts,
			model:         s.Model,
			finder:        d.Contacts,
			sender:        d.Sender,
			conversations: d.Conversations,
			contactsFile:  s.RotationContacts,
			messageFile:   s.RotationMessage,
			logger:        d.Logger,
		}, nil
	},
}

// Build creates the detectors named in names (intents or groups) in order.
func Build(names []string, cat Catalogue, d Deps, s Settings) ([]Detector, error) {
	if d.Provider == nil {
		return nil, fmt.Errorf("%w: llm provider", ErrMissingDep)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Prompts == nil {
		d.Prompts = prompts.NewIntentLoader("")
	}
	if d.State == nil {
		d.State = NewStateStore(nil, 0)
	}

	resolved, err := cat.Resolve(names)
	if err != nil {
		return nil, err
	}
	cls := classifier{provider: d.Provider, prompts: d.Prompts, model: s.Model, logger: d.Logger}

	out := make([]Detector, 0, len(resolved))
	for _, n := range resolved {
		f, ok := factories[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, n)
		}
		det, err := f(cls, d, s)
		if err != nil {
			return nil, err
		}
		out = append(out, det)
	}
	d.Logger.Info("intent_detectors_enabled", zap.Strings("intents", resolved))
	return out, nil
}
