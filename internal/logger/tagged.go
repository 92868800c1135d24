package logger

// Tagged prefixes every message with a component tag such as "[BLE]".
// It resolves the global logger on every call so it can be created before Init.
type Tagged struct {
	tag string
}

// For returns a logger that prefixes messages with "[tag]"
func For(tag string) Tagged {
	return Tagged{tag: "[" + tag + "]"}
}

func (t Tagged) Debug(format string, v ...interface{}) {
	Debug(t.tag+" "+format, v...)
}

func (t Tagged) Info(format string, v ...interface{}) {
	Info(t.tag+" "+format, v...)
}

func (t Tagged) Warn(format string, v ...interface{}) {
	Warn(t.tag+" "+format, v...)
}

func (t Tagged) Error(format string, v ...interface{}) {
	Error(t.tag+" "+format, v...)
}
