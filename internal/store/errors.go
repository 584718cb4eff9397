package store

import "errors"

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrRequestNotFound        = errors.New("service request not found")
	ErrRestaurantNotFound     = errors.New("restaurant not found")
	ErrInvalidOrder           = errors.New("invalid order")
	ErrInvalidState           = errors.New("invalid order state")
	ErrStatusConflict         = errors.New("order status changed concurrently")
	ErrRequestAlreadyResolved = errors.New("service request already resolved")
)
