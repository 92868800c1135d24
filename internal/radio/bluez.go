package radio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"motorlink/internal/logger"
)

const (
	bluezService       = "org.bluez"
	adapterInterface   = "org.bluez.Adapter1"
	gattCharInterface  = "org.bluez.GattCharacteristic1"
	propertiesChanged  = "PropertiesChanged"
	propertiesIface    = "org.freedesktop.DBus.Properties"
	objectManagerQuery = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// BlueZ talks to the BlueZ daemon directly over the system bus for the
// things the BLE stack does not expose: adapter power state and a
// notification path that does not depend on AcquireNotify.
type BlueZ struct {
	mu          sync.Mutex
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	callbacks   map[dbus.ObjectPath]func([]byte)
	signals     chan *dbus.Signal
	stop        chan struct{}
	running     bool
	log         logger.Tagged
}

// NewBlueZ connects to the system bus. adapter is the controller name, e.g. "hci0".
func NewBlueZ(adapter string) (*BlueZ, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	if adapter == "" {
		adapter = "hci0"
	}
	return &BlueZ{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		callbacks:   make(map[dbus.ObjectPath]func([]byte)),
		log:         logger.For("RADIO"),
	}, nil
}

// Powered reads Adapter1.Powered
func (b *BlueZ) Powered() (bool, error) {
	v, err := b.conn.Object(bluezService, b.adapterPath).GetProperty(adapterInterface + ".Powered")
	if err != nil {
		return false, err
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected Powered type %T", v.Value())
	}
	return powered, nil
}

// characteristicPath finds the object path of char under the device with address
func (b *BlueZ) characteristicPath(address string, char bluetooth.UUID) (dbus.ObjectPath, error) {
	devicePart := devicePathPart(address)
	want := strings.ToLower(char.String())

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := b.conn.Object(bluezService, "/").Call(objectManagerQuery, 0).Store(&objects); err != nil {
		return "", err
	}

	for path, ifaces := range objects {
		if !strings.Contains(string(path), devicePart) {
			continue
		}
		props, ok := ifaces[gattCharInterface]
		if !ok {
			continue
		}
		if v, ok := props["UUID"]; ok {
			if uuid, _ := v.Value().(string); strings.ToLower(uuid) == want {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("characteristic %s not found on %s", want, address)
}

// devicePathPart converts AA:BB:CC:DD:EE:FF to dev_AA_BB_CC_DD_EE_FF
func devicePathPart(address string) string {
	return "dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_")
}

// Subscribe starts notifications on char and delivers Value changes to cb
func (b *BlueZ) Subscribe(address string, char bluetooth.UUID, cb func([]byte)) error {
	path, err := b.characteristicPath(address, char)
	if err != nil {
		return err
	}

	err = b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember(propertiesChanged),
	)
	if err != nil {
		return fmt.Errorf("failed to add match rule: %w", err)
	}

	call := b.conn.Object(bluezService, path).Call(gattCharInterface+".StartNotify", 0)
	if call.Err != nil && !strings.Contains(call.Err.Error(), "Already notifying") {
		return fmt.Errorf("StartNotify failed: %w", call.Err)
	}

	b.mu.Lock()
	b.callbacks[path] = cb
	if !b.running {
		b.running = true
		b.signals = make(chan *dbus.Signal, 100)
		b.stop = make(chan struct{})
		b.conn.Signal(b.signals)
		go b.processSignals(b.signals, b.stop)
	}
	b.mu.Unlock()

	b.log.Info("Subscribed to %s at %s", char.String(), path)
	return nil
}

// Unsubscribe stops every notification started through Subscribe
func (b *BlueZ) Unsubscribe() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	paths := make([]dbus.ObjectPath, 0, len(b.callbacks))
	for path := range b.callbacks {
		paths = append(paths, path)
	}
	b.callbacks = make(map[dbus.ObjectPath]func([]byte))
	b.running = false
	b.conn.RemoveSignal(b.signals)
	close(b.stop)
	b.mu.Unlock()

	for _, path := range paths {
		if call := b.conn.Object(bluezService, path).Call(gattCharInterface+".StopNotify", 0); call.Err != nil {
			b.log.Debug("StopNotify on %s failed: %v", path, call.Err)
		}
		_ = b.conn.RemoveMatchSignal(
			dbus.WithMatchObjectPath(path),
			dbus.WithMatchInterface(propertiesIface),
			dbus.WithMatchMember(propertiesChanged),
		)
	}
}

// Close releases the bus connection
func (b *BlueZ) Close() error {
	b.Unsubscribe()
	return b.conn.Close()
}

func (b *BlueZ) processSignals(signals <-chan *dbus.Signal, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			b.handleSignal(sig)
		}
	}
}

func (b *BlueZ) handleSignal(sig *dbus.Signal) {
	data, ok := notificationValue(sig)
	if !ok {
		return
	}

	b.mu.Lock()
	cb := b.callbacks[sig.Path]
	b.mu.Unlock()

	if cb != nil {
		cb(data)
	}
}

// notificationValue extracts the new Value from a GattCharacteristic1 PropertiesChanged signal
func notificationValue(sig *dbus.Signal) ([]byte, bool) {
	if sig == nil || sig.Name != propertiesIface+"."+propertiesChanged || len(sig.Body) < 2 {
		return nil, false
	}
	if iface, _ := sig.Body[0].(string); iface != gattCharInterface {
		return nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}
	v, ok := changed["Value"]
	if !ok {
		return nil, false
	}
	data := variantBytes(v)
	return data, len(data) > 0
}

// variantBytes accepts both ay and av encodings of a byte array
func variantBytes(v dbus.Variant) []byte {
	switch val := v.Value().(type) {
	case []byte:
		return append([]byte(nil), val...)
	case []interface{}:
		data := make([]byte, 0, len(val))
		for _, elem := range val {
			if b, ok := elem.(byte); ok {
				data = append(data, b)
			}
		}
		return data
	}
	return nil
}
