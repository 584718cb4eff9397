package livesync

import "tableorder/internal/models"

// Notifier receives the side effects of synchronization. Calls are made from
// the synchronizer's loop, so implementations must return quickly.
type Notifier interface {
	OnNewOrder(order models.Order)
	OnNewServiceRequest(request models.ServiceRequest)
	OnOrderStatusChanged(order models.Order)
	OnError(err error)
}

// NotifierFuncs adapts plain functions to Notifier. Nil fields are skipped.
type NotifierFuncs struct {
	NewOrder           func(order models.Order)
	NewServiceRequest  func(request models.ServiceRequest)
	OrderStatusChanged func(order models.Order)
	Error              func(err error)
}

func (n NotifierFuncs) OnNewOrder(order models.Order) {
	if n.NewOrder != nil {
		n.NewOrder(order)
	}
}

func (n NotifierFuncs) OnNewServiceRequest(request models.ServiceRequest) {
	if n.NewServiceRequest != nil {
		n.NewServiceRequest(request)
	}
}

func (n NotifierFuncs) OnOrderStatusChanged(order models.Order) {
	if n.OrderStatusChanged != nil {
		n.OrderStatusChanged(order)
	}
}

func (n NotifierFuncs) OnError(err error) {
	if n.Error != nil {
		n.Error(err)
	}
}

func dispatch(n Notifier, notes []Notification) {
	for _, note := range notes {
		switch note.Kind {
		case NotifyNewOrder:
			n.OnNewOrder(note.Order)
		case NotifyNewServiceRequest:
			n.OnNewServiceRequest(note.Request)
		case NotifyOrderStatusChanged:
			n.OnOrderStatusChanged(note.Order)
		}
	}
}
