// Package admission decides whether a request may proceed now, after a
// delay, or not at all.
//
// The engine implements virtual scheduling (GCRA) on top of a shared
// counter store. Every bucket stores the virtual time, in clock-accuracy
// units, at which its next request is due. Admitting a request atomically
// pushes that time forward by one request's spacing; the difference between
// the returned value and the current time is the delay the caller owes.
// Because the reservation is a single atomic increment, any number of
// processes may share one store without coordinating.
//
// Decisions:
//
//   - Admit: every bucket had a free slot.
//   - Delay: the caller must wait the summed delay of all buckets before
//     proceeding. The slots are already reserved when the decision is made.
//   - Reject: one bucket would need a delay at or beyond the policy's
//     maximum sleep time. Its reservation is returned and no later bucket
//     is checked.
//
// The engine fails open. A store error on any bucket admits that bucket
// with no delay, and an engine built without a store admits everything.
//
//	engine := admission.New(store, pol, admission.WithLogger(log))
//	decision, err := engine.Admit(ctx, admission.Request{
//		Identity: token,
//		Method:   r.Method,
//		Action:   "download",
//	})
package admission
