package models

// OrderState is the brokerage-reported state of an order.
type OrderState string

// Order states. FILLED and CANCELLED are terminal.
const (
	OrderPending   OrderState = "PENDING"
	OrderSubmitted OrderState = "SUBMITTED"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
)

// IsTerminal reports whether no further updates follow this state.
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// IsKnown reports whether s is one of the defined states.
func (s OrderState) IsKnown() bool {
	switch s {
	case OrderPending, OrderSubmitted, OrderFilled, OrderCancelled:
		return true
	}
	return false
}

// OrderStatus is one update in an order's status stream.
type OrderStatus struct {
	Order        *ExecutableOrder
	State        OrderState
	Commission   float64
	Filled       float64
	Remaining    float64
	AveragePrice float64
}
