package ports

import "github.com/layer-3/warden/core"

// Metrics records service level counters.
type Metrics interface {
	CeremonyCompleted(ceremony core.ChallengeKind, outcome string)
	RateLimited(action core.RateLimitAction)
	SubmissionFinished(status core.SubmissionStatus)
	ReplaySuspected()
}
