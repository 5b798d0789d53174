package util

var debug bool

func SetDebug(on bool) {
	debug = on
}

func Debug[T any](s T) {
	if debug {
		Logger.Println(s)
	}
}

func Debugf(format string, args ...any) {
	if debug {
		Logger.Printf(format, args...)
	}
}
