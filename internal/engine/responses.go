package engine

// User-facing notices. The bot speaks in one voice; keep new texts in the
// same register.
const (
	noticeWelcome = "Welcome! This bot pairs you with a random stranger and relays your messages anonymously.\n\nSend /chat to start looking for a partner, or /help for the full command list."

	noticeCaptchaOK  = "Captcha correct!"
	noticeCaptchaBad = "Wrong captcha. Here is a new one..."

	noticeInChat         = "You are already in a chat."
	noticeNotInChat      = "You are not in a chat. Send /chat to start searching."
	noticeSearching      = "Looking for a partner..."
	noticeStillSearching = "You are still in search."
	noticeFound          = "Partner found, say hi!\nSend /stop to leave the chat or /next to skip to a new one."
	noticeSearchStopped  = "Search stopped. Send /chat to start again."

	noticeEndingChat  = "Ending the chat..."
	noticeLeftChat    = "You left the chat. Send /chat to find a new partner."
	noticePartnerLeft = "Your partner ended the chat. Send /chat to find a new partner."

	noticeToxicSender  = "Your message was flagged as toxic. The chat has been ended and 25 credit points were deducted."
	noticeToxicPartner = "The chat was ended because your partner sent a toxic message."

	noticeCreditPrefix = "Your current credit score: "
	noticeNotEligible  = "Your credit has reached 0. You are no longer allowed to use the chat feature."

	noticeStartFirst = "Send /start first."
	noticeError      = "Something went wrong, please try again."

	noticeHelp = "Commands:\n" +
		"/start - start the bot\n" +
		"/chat - search for a partner\n" +
		"/next - skip the current chat and search again\n" +
		"/stop - stop the search or leave the current chat\n" +
		"/credit - show your credit score\n" +
		"/rules - show the chat rules\n" +
		"/help - show this message"

	noticeRules = "Rules:\n" +
		"1. Respect your partner\n" +
		"2. No toxic content\n" +
		"3. Protect your privacy and your partner's\n" +
		"4. No spam or advertising\n" +
		"5. Avoid sensitive topics"
)
