package access

import (
	"fmt"
	"time"

	"botvip/internal/models"
)

const (
	msgPaymentConfirmed = "🎉 Pagamento confirmado! Sua assinatura foi ativada com sucesso."
	msgManualFollowup   = "✅ Pagamento recebido! Seu acesso será liberado manualmente em breve. Se precisar, fale com o suporte."
	msgRevoked          = "⛔ Sua assinatura VIP foi encerrada e o acesso ao canal foi removido. Para voltar, use /planos."
)

const dateLayout = "02/01/2006"

// FormatDate renders an expiry the way users read dates.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func expiryLabel(sub models.Subscriber) string {
	if exp, ok := sub.Expiry(); ok {
		return "válido até " + FormatDate(exp)
	}
	return "sem expiração"
}

func inviteText(ttl time.Duration) string {
	return fmt.Sprintf("%s\n\nToque no botão abaixo para entrar no canal VIP. O link é pessoal, vale para um único acesso e expira em %d horas.",
		msgPaymentConfirmed, int(ttl.Hours()))
}

func renewalText(sub models.Subscriber) string {
	if exp, ok := sub.Expiry(); ok {
		return fmt.Sprintf("🔁 Pagamento confirmado! Sua assinatura VIP foi renovada até %s.", FormatDate(exp))
	}
	return "🔁 Pagamento confirmado! Sua assinatura VIP continua ativa."
}
