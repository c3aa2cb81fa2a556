package registry

// Usage restricts which programs should accept a given backend.
type Usage uint8

const (
	// UsageCLI marks backends usable by one-shot commands.
	UsageCLI Usage = 1 << iota
	// UsageDaemon marks backends usable by long-running daemons.
	UsageDaemon
)

func (u Usage) allows(want Usage) bool { return u&want != 0 }
