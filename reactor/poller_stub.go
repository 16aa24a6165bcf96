//go:build !linux

package reactor

func newPoller(int) (poller, error) {
	return nil, ErrNotSupported
}

func newWakeChannel() (int, int, error) {
	return -1, -1, ErrNotSupported
}

func writeWake(int) error {
	return ErrNotSupported
}

func readWake(int, []byte) (int, error) {
	return 0, ErrNotSupported
}

func closeWakeChannel(int, int) error {
	return nil
}
