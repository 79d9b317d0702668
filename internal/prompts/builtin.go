package prompts

import "github.com/seenimoa/zchatbot/internal/llm"

// ── Intent prompt names ──

const (
	PropertyDownloadDetect = "property_download_intent_cmd_detect"
	FileCommandClassifier  = "intent_detect_process_file_classifier"
	FileCommandSlots       = "intent_detect_process_file_slot_extract"
	FileCommandReprompt    = "intent_detect_process_file_reprompt"
	FileCommandExec        = "command_executor_exec_prompt"
	OutboundSalesDetect    = "outbound_sales_intent_cmd_detect"
	TransferGate           = "transfer_intent_gate"
	TransferDetect         = "transfer_intent_detect"
	TransferSlots          = "transfer_slot_extract"
	TransferReprompt       = "transfer_reprompt"
	SalesAgentSystem       = "wa_sales_agent_system"
	GenericHookSystem      = "wa_generic_hook"
	PhoneFormatter         = "phone_formatter_e164"
	TopicExtractor         = "topic_extractor"
	QueryRewrite           = "query_rewrite"
	QueryClassify          = "query_classify"
)

func sys(s string) llm.Message  { return llm.SystemMessage(s) }
func usr(s string) llm.Message  { return llm.UserMessage(s) }
func asst(s string) llm.Message { return llm.AssistantMessage(s) }

// Builtins returns the default intent templates. Files of the same name in
// the intent prompts directory take precedence.
func Builtins() map[string]Template {
	list := []Template{
		{Name: PropertyDownloadDetect, Messages: []llm.Message{
			sys(`You are a strict binary classifier. Return ONLY valid JSON.
Decide whether the user asks to download, scrape or export real-estate listings (properties for sale or rent) from property portals.
Respond EXACT JSON: {{"property_download": true|false}}`),
			usr("{user_text}"),
		}},
		{Name: FileCommandClassifier, Messages: []llm.Message{
			sys(`You are a strict binary classifier. Return ONLY valid JSON.
Decide whether the user asks to run a command or question over an exported TXT file (for example "en caba_venta_20250101_1200.txt buscá la más cara en Palermo").
Respond EXACT JSON: {{"cmd_exec": true|false}}`),
			usr("{user_text}"),
		}},
		{Name: FileCommandSlots, Messages: []llm.Message{
			sys(`You extract parameters from a request about an exported TXT file. Return ONLY valid JSON.
- filename: the TXT file name mentioned by the user.
- action: the command in the user's own words, rewritten as an imperative phrase.
- neighborhood: a neighborhood filter, if present.
Omit fields that are not explicitly present.
Respond EXACT JSON: {{"slots": {{"filename": <string|null>, "action": <string|null>, "neighborhood": <string|null>}}}}`),
			usr("{user_text}"),
		}},
		{Name: FileCommandReprompt, Messages: []llm.Message{
			sys(`You are a dialogue assistant. Return ONLY valid JSON.
Write a SHORT follow-up question in the SAME language as the user's message asking only for the missing fields.`),
			usr("User message:\n{user_text}\n\nMissing fields (keys): {missing_keys}\n\nReturn EXACT JSON: {{\"reprompt\": <string>}}"),
		}},
		{Name: FileCommandExec, Messages: []llm.Message{
			sys(`You operate on a file of real-estate listings. Each listing starts with a "## " header line.
Interpret the ACTION, apply it to the file content only and never invent listings.
Return ONLY valid JSON:
{{"result": {{"summary": <string>, "selections": [{{"header": <string|null>, "price": <string|null>, "location": <string|null>, "details": <string|null>, "url": <string|null>}}]}}}}`),
			usr("ACTION: {action}\nNEIGHBORHOOD: {neighborhood}\nFILE: {filename}\n\nFILE CONTENT:\n{file_chunk}"),
		}},
		{Name: OutboundSalesDetect, Messages: []llm.Message{
			sys(`You detect requests to start an outbound WhatsApp sales conversation. Return ONLY valid JSON.
- outbound_sales_call: true when the user asks to contact, call or message someone to sell a product.
- product: the product or service to sell, when present.
- target_name: the person to contact, when present.
Respond EXACT JSON: {{"outbound_sales_call": true|false, "product": <string|null>, "target_name": <string|null>}}`),
			usr("{user_text}"),
		}},
		{Name: TransferGate, Messages: []llm.Message{
			sys(`You are a precise detector. Return ONLY valid JSON.
Answer whether the user is asking to send/transfer/pay money to someone.
Treat as TRUE also when the user asks IF we/you can send (e.g., '¿podemos…?', '¿le podés…?', '¿puedes…?'). Prefer TRUE when the message explicitly mentions money/transfer words (dinero, plata, guita, mandar, transferir, pagar), unless it is clearly off-topic.`),
			usr("¿Quién es el presidente de Suecia?"),
			asst(`{{"is_transfer": false}}`),
			usr("hola, ¿cómo estás?"),
			asst(`{{"is_transfer": false}}`),
			usr("¿Podemos mandarle dinero a Martina?"),
			asst(`{{"is_transfer": true}}`),
			usr("¿Le podés mandar plata a Juan?"),
			asst(`{{"is_transfer": true}}`),
			usr("User message:\n{user_text}\n\nRespond EXACT JSON: {{\"is_transfer\": true|false}}"),
		}},
		{Name: TransferDetect, Messages: []llm.Message{
			sys(`You are an intent classifier. Return ONLY valid JSON (no extra text). Supported intents: ['send_transfer'] and 'NONE'.
Classify as 'send_transfer' whenever the user wants to send/transfer/pay money, including when they ASK IF they/we can send. Do not infer slot values here.`),
			usr("Quiero transferirle unos mangos a Maria"),
			asst(`{{"intent": "send_transfer", "confidence": 0.92}}`),
			usr("¿Cuánto salen los mangos (la fruta) en el súper?"),
			asst(`{{"intent": "NONE", "confidence": 0.85}}`),
			usr("User message:\n{user_text}\n\nRespond EXACT JSON:\n{{\"intent\": \"send_transfer\"|\"NONE\", \"confidence\": <number 0..1>}}"),
		}},
		{Name: TransferSlots, Messages: []llm.Message{
			sys("You are a data extractor. Return ONLY valid JSON (no extra text). Do not hallucinate: if a field is not explicitly present, omit it."),
			usr("User message:\nQuiero transferirle unos mangos a Maria\n\nExtract fields if present:\n- amount\n- recipient"),
			asst(`{{"slots": {{"recipient": "Maria"}}}}`),
			usr("User message:\nPasale USD 250 a @maria\n\nExtract fields if present:\n- amount\n- recipient"),
			asst(`{{"slots": {{"amount": "USD 250", "recipient": "@maria"}}}}`),
			usr("User message:\n{user_text}\n\nExtract the following fields if present:\n- amount: e.g., '1000', '10,000 ARS', 'USD 250'.\n- recipient: name or handle, e.g., 'John', '@maria'.\n\nRespond EXACT JSON with:\n{{\"slots\": {{\"amount\": <optional string>, \"recipient\": <optional string>}}}}"),
		}},
		{Name: TransferReprompt, Messages: []llm.Message{
			sys("You are a dialogue assistant. Return ONLY valid JSON. Write a SHORT, friendly follow-up question in the SAME language as the user's message to collect the missing fields. Keep it concise (1-3 lines)."),
			usr("User message:\n{user_text}\n\nMissing fields (keys): {missing_keys}\nHuman hints:\n{hints}\n\nReturn EXACT JSON:\n{{\"reprompt\": <string>}}"),
		}},
		{Name: SalesAgentSystem, Messages: []llm.Message{
			sys(`Sos un vendedor por WhatsApp. Estás vendiendo {product} a {target_name}.
Respondé en español rioplatense, en mensajes cortos (máximo 3 líneas), con un tono amable y sin presionar.
Si el cliente pide precio o beneficios, dalos de forma breve. Si no le interesa, agradecé y despedite.`),
		}},
		{Name: GenericHookSystem, Messages: []llm.Message{
			sys(`Sos un asesor financiero que conversa por WhatsApp con {contact_name}.
Recomendación vigente: {recommendation}
Respondé en mensajes breves, claros y en el idioma del cliente.`),
			usr("{user_message}"),
		}},
		{Name: PhoneFormatter, Messages: []llm.Message{
			sys("You are a formatter of phone numbers. Convert any phone string to valid E.164 format for Argentina (country code +54). Only return the number without spaces or symbols."),
			usr("{phone}"),
		}},
		{Name: TopicExtractor, Messages: []llm.Message{
			sys(`You label one chatbot exchange for analytics. Return ONLY valid JSON with:
topic (UPPER_SNAKE_CASE), subtopic, intent, confidence (0..1), sentiment (-2..2), urgency (0..3),
pii_detected (bool), compliance_risk (low|med|high), suggested_action (UPPER_SNAKE_CASE),
outcome (unknown|success|failed|escalated|fallback).`),
			usr("Question:\n{question}\n\nAnswer:\n{answer}"),
		}},
		{Name: QueryRewrite, Messages: []llm.Message{
			sys("Rewrite the user's question as a precise, self-contained search query for financial documents. Return only the rewritten query."),
			usr("{query}"),
		}},
		{Name: QueryClassify, Messages: []llm.Message{
			sys(`Classify the search query into exactly one of: broad, enumeration, analytical, temporal, specific, fuzzy.
Return ONLY valid JSON: {{"type": <string>}}`),
			usr("{query}"),
		}},
	}

	out := make(map[string]Template, len(list))
	for _, t := range list {
		out[t.Name] = t
	}
	return out
}
