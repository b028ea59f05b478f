package followup

const (
	DefaultMessageA = "👋 Ei! Vi que você começou aqui no BOTVIP e deu uma olhada nas ofertas, mas não finalizou a compra. Posso tirar alguma dúvida rápida pra você? Se preferir, também ofereço uma call curta (paga) pra te orientar, me diz se quer que eu envie o link."
	DefaultMessageB = "Olá de novo! Só passando pra lembrar das vantagens do plano VIP: conteúdo exclusivo, atualizações e suporte. Quer que eu envie o link novamente ou prefere que eu te ofereça a opção de uma call rápida para tirar dúvidas?"
)
