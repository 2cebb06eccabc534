package memprof

import "sync"

// resetBootstrap forgets the bootstrapped service so tests can bootstrap again.
func resetBootstrap() {
	if s := defaultService.Swap(nil); s != nil {
		_ = s.Close()
	}
	bootstrapOnce = sync.Once{}
	bootstrapErr = nil
}
