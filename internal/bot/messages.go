package bot

const (
	msgLoading      = "⏳ Carregando..."
	captionWelcome  = "🤖 Bem-vindo ao BOTVIP.CO!"
	msgWelcome      = "👋 Bem-vindo ao *BOTVIP.CO!*"
	msgMainMenu     = "📌 Menu principal:"
	msgChoosePlan   = "💳 Escolha seu plano:"
	msgNoPlans      = "😕 Nenhum plano disponível no momento. Tente novamente mais tarde."
	msgSupport      = "🛠 Suporte oficial: %s"
	msgUnknown      = "❌ Opção desconhecida!"
	msgTryLater     = "⚠️ Não consegui consultar sua assinatura agora. Tente novamente em instantes."
	msgPlanNotFound = "❌ Este plano não está disponível no momento."

	msgHelp = "❓ Central de Ajuda.\n\n" +
		"/planos - ver os planos disponíveis\n" +
		"/vip - status da sua assinatura\n" +
		"/conteudo - acessar o canal VIP\n" +
		"/ajuda - mostrar esta mensagem"

	msgCheckoutLink   = "💳 Clique no botão abaixo para realizar o pagamento:"
	msgCheckoutFailed = "❌ Erro ao criar checkout. Tente novamente em instantes."

	msgPaymentSuccess   = "✅ Pagamento recebido! Assim que a confirmação chegar, você recebe aqui o acesso ao canal VIP."
	msgPaymentCancelled = "❌ Pagamento cancelado. Quando quiser, é só escolher um plano."

	msgNoSubscription = "Você ainda não tem uma assinatura VIP."
	msgActiveUntil    = "✅ Sua assinatura VIP está ativa até %s."
	msgActiveForever  = "✅ Sua assinatura VIP está ativa, sem data de expiração."
	msgExpiredOn      = "⚠️ Sua assinatura VIP expirou em %s."

	msgContentLocked    = "🔒 Conteúdo exclusivo para assinantes VIP."
	msgContentInvite    = "🔓 Seu acesso está ativo! Use o botão abaixo para entrar no canal VIP. O link é pessoal e vale para um único acesso."
	msgContentNoChannel = "🔓 Seu acesso está ativo! Fale com o suporte (%s) para receber o link do canal."
)

const (
	btnPlans    = "💳 Ver Planos"
	btnHelp     = "❓ Ajuda"
	btnSupport  = "🛠 Suporte"
	btnPay      = "💰 Finalizar Pagamento"
	btnRetry    = "🔄 Tentar novamente"
	btnJoinVIP  = "🔑 Entrar no canal VIP"
	photoAsset  = "im.jpg"
	audioAsset  = "audio.mp3"
	cbPlans     = "ver_planos"
	cbHelp      = "ajuda"
	cbSupport   = "suporte"
	payloadPaid = "sucesso"
	payloadBack = "cancelado"
	payloadMenu = "planos"
)
