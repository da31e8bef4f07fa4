package poll

// RunFor advances a virtual clock one millisecond at a time, servicing
// the scheduler after each step.
func RunFor(s *Scheduler, clk *VirtualClock, msec uint32) {
	for i := uint32(0); i < msec; i++ {
		clk.AdvanceMsec(1)
		s.Service()
	}
}

// ServiceAll calls Service n times without advancing time, which lets
// chains of OnDemand tasks settle.
func ServiceAll(s *Scheduler, n int) {
	for i := 0; i < n; i++ {
		s.Service()
	}
}
