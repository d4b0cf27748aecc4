// Package classify implements the keyword predicates used to route inbound
// WhatsApp messages: user-type detection, out-of-scope filtering, and the
// end-conversation and attendant-request triggers. All functions are pure and
// operate on lowercased Portuguese text.
package classify

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/evoluxrh/rhagent/internal/models"
)

// Keyword lists. Single-word entries match on word boundaries; entries
// containing a space or dot match as substrings.
var (
	companyKeywords = []string{
		"empresa", "company", "contratar", "serviços", "rh", "recrutamento",
		"seleção", "funcionários", "colaboradores", "vagas para contratar",
		"preciso de funcionários", "quero contratar", "estou contratando",
		"preciso de colaboradores", "serviços de rh", "terceirização",
		"outsourcing", "gestão de pessoas",
	}

	candidateKeywords = []string{
		"candidato", "candidate", "emprego", "vaga", "vagas", "trabalhar",
		"trabalho", "desempregado", "oportunidade", "procurando emprego",
		"quero trabalhar",
		// tech and support terms that signal interest in openings
		"software", "hardware", "informática", "informatica", "ti", "t.i.",
		"suporte", "técnico", "tecnico", "desenvolvedor", "programador",
		"analista", "qa", "testes", "infra", "rede", "redes",
	}

	otherKeywords = []string{
		"outros", "outras dúvidas", "outros assuntos", "dúvidas", "perguntas",
		"informações", "ajuda", "consulta", "esclarecimento",
	}

	// Phrases of continuation or consent are never out of scope.
	continuationPattern = regexp.MustCompile(`(?i)(pode\s+(fazer|mandar)\s+(mais\s+)?perguntas|faça\s+(mais\s+)?perguntas|pode\s+perguntar|pode\s+continuar|pode\s+prosseguir|\bsim\b|\bok\b|\bokay\b|\bblz\b|\bbeleza\b|\bclaro\b|\bcerto\b|\btudo\s+bem\b)`)

	// Terms that indicate interest in tech or support openings; always in scope.
	techJobKeywords = []string{
		"software", "hardware", "informática", "informatica", "ti", "t.i.",
		"suporte", "técnico", "tecnico", "desenvolvedor", "programador",
		"analista", "qa", "testes", "infra", "rede", "redes", "sistemas",
		"banco de dados",
	}

	// Action verb plus technology noun suggests a technical-help request,
	// which is out of scope for a recruitment agent.
	codeVerbs = []string{
		"escreva", "escrever", "crie", "criar", "gere", "gerar", "execute",
		"executar", "rode", "rodar", "compile", "compilar", "debug", "depurar",
		"corrija", "conserte", "resolver", "como fazer", "how to", "script",
		"algoritmo", "função", "comando", "query", "consulta",
	}
	techNouns = []string{
		"python", "javascript", "java", "html", "css", "react", "node", "api",
		"sql", "docker", "kubernetes", "linux", "windows", "bash", "shell",
		"powershell", "c#", "golang", "go", "php", "ruby", "laravel", "spring",
		"django", "flask", "pandas",
	}

	// Subjects clearly unrelated to recruitment.
	clearlyOutKeywords = []string{
		"matemática", "física", "química", "biologia", "história", "geografia",
		"política", "economia", "finanças", "investimentos", "criptomoedas",
		"senha", "cpf", "rg", "cartão", "banco", "conta bancária",
		"dados pessoais", "informações confidenciais", "segredos", "privacidade",
		"receita", "culinária", "música", "filmes", "esportes", "viagens",
		"turismo", "saúde", "medicina", "direito", "advocacia", "engenharia",
		"arquitetura",
	}

	endKeywords = []string{
		"encerrar", "finalizar", "terminar", "acabar", "fim", "sair",
		"tchau", "adeus", "até logo", "até mais",
	}

	attendantKeywords = []string{
		"quero conversar com uma atendente", "quero falar com uma atendente",
		"preciso conversar com uma atendente", "preciso falar com uma atendente",
		"quero falar com alguém", "quero conversar com alguém",
		"preciso falar com alguém", "preciso conversar com alguém",
		"atendimento humano", "atendimento pessoal", "falar com uma pessoa",
		"conversar com uma pessoa", "atendimento direto", "falar diretamente",
		"conversar diretamente",
	}

	linkPattern = regexp.MustCompile(`(?i)\b(https?://|www\.)[\w-]+(\.[\w-]+)+[\w.,@?^=%&:/~+#-]*`)
)

// mediaTypes are WhatsApp message types treated as attachments.
var mediaTypes = map[string]bool{
	"image":                 true,
	"video":                 true,
	"ptt":                   true,
	"audio":                 true,
	"document":              true,
	"sticker":               true,
	"location":              true,
	"vcard":                 true,
	"multi_vcard":           true,
	"contact_card":          true,
	"contact_card_multiple": true,
}

// tokenize splits text into lowercase words, dropping punctuation but keeping
// accented letters.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// matchesKeyword reports whether msg matches the keyword: single plain words
// must match a whole token, phrases and dotted forms match as substrings.
func matchesKeyword(msg string, words []string, keyword string) bool {
	if strings.ContainsAny(keyword, " .#") {
		return strings.Contains(msg, keyword)
	}
	for _, w := range words {
		if w == keyword {
			return true
		}
	}
	return false
}

func matchesAny(msg string, words []string, keywords []string) bool {
	for _, k := range keywords {
		if matchesKeyword(msg, words, k) {
			return true
		}
	}
	return false
}

// DetectUserType classifies a message as coming from a company, a candidate,
// or a general inquiry. Unknown means the message carries no signal; callers
// keep any earlier classification in that case.
func DetectUserType(text string) models.UserType {
	msg := strings.ToLower(text)
	words := tokenize(text)

	switch {
	case matchesAny(msg, words, companyKeywords):
		return models.UserTypeCompany
	case matchesAny(msg, words, candidateKeywords):
		return models.UserTypeCandidate
	case matchesAny(msg, words, otherKeywords):
		return models.UserTypeOther
	default:
		return models.UserTypeUnknown
	}
}

// IsOutOfScope reports whether the message asks for something unrelated to
// recruitment. Continuation phrases and job-interest terms are always in
// scope; a code verb combined with a technology noun, or a clearly unrelated
// subject, is out of scope.
func IsOutOfScope(text string) bool {
	msg := strings.ToLower(text)
	words := tokenize(text)

	if continuationPattern.MatchString(msg) {
		return false
	}
	if matchesAny(msg, words, techJobKeywords) {
		return false
	}
	if matchesAny(msg, words, codeVerbs) && matchesAny(msg, words, techNouns) {
		return true
	}
	return matchesAny(msg, words, clearlyOutKeywords)
}

// WantsToEndConversation reports whether the message is an explicit request
// to finish the conversation: either exactly one farewell keyword, or a
// longer message containing at least two of them. Requiring two avoids
// finalizing on sentences that merely mention a farewell word.
func WantsToEndConversation(text string) bool {
	msg := strings.TrimSpace(strings.ToLower(text))
	if msg == "" {
		return false
	}
	for _, k := range endKeywords {
		if msg == k {
			return true
		}
	}

	words := tokenize(msg)
	if len(words) <= 1 {
		return false
	}
	found := 0
	for _, w := range words {
		for _, k := range endKeywords {
			if w == k {
				found++
				break
			}
		}
	}
	return found >= 2
}

// WantsToTalkToAttendant reports whether the message asks for a human agent.
func WantsToTalkToAttendant(text string) bool {
	msg := strings.ToLower(text)
	for _, k := range attendantKeywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}

// ContainsLink reports whether the text contains an http, https or www URL.
func ContainsLink(text string) bool {
	return linkPattern.MatchString(text)
}

// IsMediaType reports whether the WhatsApp message type is an attachment.
func IsMediaType(messageType string) bool {
	return mediaTypes[messageType]
}
