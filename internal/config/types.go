package config

// Config holds the gateway's operator configuration, loaded once at startup
// and passed explicitly to the components that need it. No ambient
// singleton.
type Config struct {
	// upstream dialogue service
	UpstreamBaseURL    string
	UpstreamAppID      string
	UpstreamAccessKey  string
	UpstreamResourceID string
	UpstreamAppKey     string

	// session defaults, used to fill any field the browser omits
	DefaultBotName    string
	DefaultSpeaker    string
	RecvTimeout       int // seconds, 10-120
	InputMod          string
	InputSampleRate   int
	OutputSampleRate  int
	OutputAudioFormat string

	// local HTTP bind
	Host string
	Port string

	// journal on/off, and where its files live
	SaveHistory bool
	JournalDir  string

	// "development" or "production"; drives logging format and origin checks
	Environment string
}
