package transport

// GATT is the subset of Conn's behavior the Connection Engine depends
// on, narrow enough that engine tests can swap in a fake without
// dragging in go-ble/ble or a real adapter — the same isolation
// principle as the teacher's device.Connection interface in
// internal/device/device.go.
type GATT interface {
	WriteWithoutResponse(data []byte) error
	EnableNotifications() error
	Notifications() <-chan []byte
	DisconnectedSignal() <-chan struct{}
	Close() error
}

var _ GATT = (*Conn)(nil)
