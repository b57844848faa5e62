package rp

// Ticket is a successfully established authentication session: the identity
// plus the properties bag that survived the round trip.
type Ticket struct {
	Identity   *Identity
	Properties *Properties
}

// HandleResult is the terminal outcome of handling an inbound request.
// Exactly one of the four shapes is populated:
//
//   - Ticket non-nil: authentication succeeded.
//   - Handled: the response was fully written (by the pipeline or a hook);
//     nothing further should happen.
//   - Skipped: the request was not for this handler.
//   - Err non-nil: authentication failed.
type HandleResult struct {
	Ticket  *Ticket
	Handled bool
	Skipped bool
	Err     error
}

// Success reports whether the result carries a ticket.
func (r HandleResult) Success() bool { return r.Ticket != nil }

func resultSuccess(t *Ticket) HandleResult { return HandleResult{Ticket: t} }
func resultHandled() HandleResult          { return HandleResult{Handled: true} }
func resultSkip() HandleResult             { return HandleResult{Skipped: true} }
func resultFailure(err error) HandleResult { return HandleResult{Err: err} }
