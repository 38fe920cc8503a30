package session

import (
	"time"

	"github.com/edgecache/edged/internal/httpx"
)

// AwaitRequest blocks until a complete request head is buffered, then
// positions the session at start for re-dispatch. Returns false when the
// connection idled out, overflowed or closed; the session is then dead.
// The waiter calls this off the worker pool.
func (s *Session) AwaitRequest(idle time.Duration) bool {
	deadline := time.Now().Add(idle)
	for {
		st := s.rx.Rx(deadline)
		switch st {
		case httpx.RxComplete:
			s.Step = StepStart
			return true
		case httpx.RxIncomplete:
			if !time.Now().Before(deadline) {
				s.close()
				return false
			}
		default:
			// overflow, EOF or transport error while parked
			s.close()
			return false
		}
	}
}
