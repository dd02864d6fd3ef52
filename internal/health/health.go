// Package health grades the updater's own dependencies: the state database,
// the audit chain, the release manifest, the pipeline lock and the state
// directories.
package health

// Level represents the overall health level.
type Level int

const (
	GREEN    Level = iota // all components healthy
	YELLOW                // 1 important component degraded
	RED                   // 1 critical or 2+ important degraded
	CRITICAL              // 2+ critical components degraded
)

const (
	Critical  = "critical"
	Important = "important"
	Optional  = "optional"
)

// String returns the human-readable name of the Level.
func (l Level) String() string {
	switch l {
	case GREEN:
		return "GREEN"
	case YELLOW:
		return "YELLOW"
	case RED:
		return "RED"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Serving reports whether an update may reasonably be started at this level.
func (l Level) Serving() bool {
	return l == GREEN || l == YELLOW
}

// ComponentStatus is the health of a single component.
type ComponentStatus struct {
	Name     string `json:"name"`     // e.g. "state_db", "manifest"
	Category string `json:"category"` // critical, important or optional
	Healthy  bool   `json:"healthy"`
	Detail   string `json:"detail"`
}

// Report is the result of a health evaluation.
type Report struct {
	Level      Level             `json:"level"`
	Components []ComponentStatus `json:"components"`
}

// Determine counts failed critical and important components and returns the
// matching Level. It does no I/O.
//
//	if criticalFailed >= 2: CRITICAL
//	else if criticalFailed == 1: RED
//	else if importantFailed >= 2: RED
//	else if importantFailed == 1: YELLOW
//	else: GREEN
func Determine(components []ComponentStatus) Level {
	var criticalFailed, importantFailed int

	for _, c := range components {
		if c.Healthy {
			continue
		}
		switch c.Category {
		case Critical:
			criticalFailed++
		case Important:
			importantFailed++
		}
	}

	switch {
	case criticalFailed >= 2:
		return CRITICAL
	case criticalFailed == 1:
		return RED
	case importantFailed >= 2:
		return RED
	case importantFailed == 1:
		return YELLOW
	default:
		return GREEN
	}
}

// NewReport creates a Report with the Level set by calling Determine.
func NewReport(components []ComponentStatus) *Report {
	return &Report{
		Level:      Determine(components),
		Components: components,
	}
}
