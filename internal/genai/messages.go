package genai

import (
	"fmt"

	"github.com/evoluxrh/rhagent/internal/models"
)

// Company identity used in all fixed messages.
const (
	CompanyName      = "Evolux Soluções de RH"
	CompanyWebsite   = "https://evoluxrh.com.br"
	RegistrationLink = "https://app.pipefy.com/public/form/a19wdDh_"
)

// FirstMessageNotice is sent in reply to the first inbound message of a new
// conversation, before an attendant picks it up.
func FirstMessageNotice() string {
	return `🆕 *Nova Mensagem Recebida*

Olá! Recebemos sua mensagem e um de nossos especialistas irá atendê-lo em breve.

⏰ Por favor, aguarde um momento enquanto um atendente humano assume o atendimento.

📞 Nossos especialistas estão prontos para ajudá-lo com:
• Busca de vagas de emprego
• Serviços de RH para empresas
• Orientação profissional
• Informações sobre candidaturas

Obrigado pela paciência! 🙏`
}

// AttachmentGuidance is sent when the inbound message carries media or a
// link; documents are only accepted through the registration form.
func AttachmentGuidance(hasMedia, hasLink bool) string {
	var received string
	switch {
	case hasMedia && hasLink:
		received = "um anexo e um link"
	case hasMedia:
		received = "um anexo (imagem/documento/áudio/vídeo)"
	default:
		received = "um link"
	}
	return fmt.Sprintf(`📄 Recebi %s.

Para prosseguir com o envio de documentos/arquivos, utilize nosso formulário de cadastro:
%s

No WhatsApp não processamos documentos diretamente. Após concluir o cadastro, nossa equipe dará continuidade ao seu atendimento.`, received, RegistrationLink)
}

// AttendantTransferNotice is sent when the counterpart asks for a human agent.
func AttendantTransferNotice() string {
	return fmt.Sprintf(`Olá! 👋

Obrigado por entrar em contato com a %s!

📞 Um de nossos especialistas em recrutamento e seleção irá atendê-lo em breve.

⏰ Por favor, aguarde um momento enquanto transferimos você para um atendente humano.

Enquanto isso, você pode conhecer mais sobre nossos serviços em: %s

Obrigado pela paciência! 🙏`, CompanyName, CompanyWebsite)
}

// OutOfScopeNotice is sent when the message asks for something unrelated to
// recruitment.
func OutOfScopeNotice() string {
	return fmt.Sprintf(`Olá! 👋

Desculpe, mas sou um assistente virtual especializado APENAS em recrutamento e seleção da %s.

🎯 Posso ajudá-lo com:
• Busca de vagas de emprego
• Informações sobre candidaturas
• Serviços de RH para empresas
• Orientação profissional

Se você está procurando oportunidades de emprego ou serviços de RH, ficarei feliz em ajudá-lo! 😊`, CompanyName)
}

// GoodbyeMessage is sent when the counterpart explicitly ends the
// conversation.
func GoodbyeMessage() string {
	return fmt.Sprintf(`✅ *Atendimento Finalizado*

Obrigado por escolher a %s!

Foi um prazer atendê-lo! 🙏

Se precisar de mais informações no futuro, sinta-se à vontade para enviar uma nova mensagem a qualquer momento.

Tenha um excelente dia! 😊`, CompanyName)
}

// TimeoutMessage is sent when a conversation is finalized for inactivity.
func TimeoutMessage() string {
	return fmt.Sprintf(`⏰ *Atendimento Finalizado*

Olá! Percebemos que você não interagiu conosco nos últimos minutos.

📞 Se precisar de mais informações, sinta-se à vontade para enviar uma nova mensagem a qualquer momento!

Obrigado por escolher a %s! 🙏

---
*Este atendimento foi finalizado automaticamente por inatividade.*`, CompanyName)
}

// FollowUpMessage is the inactivity check-in sent to companies and general
// inquiries before the final timeout.
func FollowUpMessage() string {
	return fmt.Sprintf(`⏰ *Ainda está conosco?*

Olá! Percebemos que você não interagiu conosco nos últimos minutos.

🤔 Você ainda deseja conversar com a %s?

📞 Todos os nossos atendentes estão ocupados no momento, mas retornaremos assim que possível!

💬 Se ainda estiver interessado, responda com "sim" ou envie uma nova mensagem.`, CompanyName)
}

// AgentJoinedMessage is sent when an attendant takes manual control.
func AgentJoinedMessage(agentID string) string {
	return fmt.Sprintf(`👤 *Atendimento Iniciado*

Olá! Meu nome é %s e vou atendê-lo agora.

Como posso ajudá-lo hoje?`, agentID)
}

// AgentLeftMessage is sent when an attendant releases manual control and the
// assistant resumes.
func AgentLeftMessage() string {
	return fmt.Sprintf(`✅ *Atendimento Manual Encerrado*

O atendimento manual foi encerrado e o assistente virtual da %s está de volta!

🤖 Como posso ajudá-lo hoje?

*Digite "empresa" se você representa uma empresa interessada em nossos serviços de RH*
*Digite "candidato" se você está procurando oportunidades de emprego*`, CompanyName)
}

// AgentFinalizedMessage is sent when an attendant releases control and
// finalizes the conversation.
func AgentFinalizedMessage(agentID string) string {
	return fmt.Sprintf(`✅ *Atendimento Finalizado*

Obrigado por escolher a %s!

O atendimento foi finalizado por %s.

Se precisar de mais informações, sinta-se à vontade para enviar uma nova mensagem a qualquer momento!

Obrigado pela confiança! 🙏`, CompanyName, agentID)
}

// ApologyMessage is sent when message processing fails.
func ApologyMessage() string {
	return "Desculpe, ocorreu um erro. Tente novamente em alguns instantes."
}

// FallbackReply is the static reply used when no generation backend is
// configured.
func FallbackReply(userType models.UserType) string {
	switch userType {
	case models.UserTypeCandidate:
		return fmt.Sprintf(`🎯 Você pode se candidatar às nossas vagas pelo formulário de cadastro:

🔗 %s

Preencha todas as informações solicitadas para aumentar suas chances!`, RegistrationLink)
	case models.UserTypeCompany:
		return AttendantTransferNotice()
	default:
		return fmt.Sprintf(`Olá! 👋 Bem-vindo à %s!

Sou o assistente virtual e estou aqui para ajudá-lo!

*Digite "empresa" se você representa uma empresa interessada em nossos serviços de RH*
*Digite "candidato" se você está procurando oportunidades de emprego*
*Digite "outros" se você tem outras dúvidas ou assuntos para conversar*`, CompanyName)
	}
}
