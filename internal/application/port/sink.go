package port

import "xfeed/internal/domain/model"

// AccountSink receives each private stream event exactly once, independent
// of how many connections are attached to the session. It feeds persistence.
type AccountSink interface {
	OnBalance(b model.Balance)
	OnOrder(o model.Order)
	OnUserTrade(t model.UserTrade)
}
