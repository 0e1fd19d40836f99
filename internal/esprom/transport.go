package esprom

import "go.bug.st/serial"

// bugstTransport adapts a go.bug.st/serial port to Transport
type bugstTransport struct {
	serial.Port
}

func (t bugstTransport) SetBaudRate(rate int) error {
	return t.SetMode(&serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

func (t bugstTransport) FlushInput() error {
	return t.ResetInputBuffer()
}

// OpenSerial opens name at baud, 8N1, with both control lines released
func OpenSerial(name string, baud int) (Transport, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate:          baud,
		DataBits:          8,
		Parity:            serial.NoParity,
		StopBits:          serial.OneStopBit,
		InitialStatusBits: &serial.ModemOutputBits{},
	})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(syncTimeout); err != nil {
		_ = p.Close()
		return nil, err
	}
	return bugstTransport{Port: p}, nil
}

// ListSerial enumerates host serial ports
func ListSerial() ([]string, error) {
	return serial.GetPortsList()
}

var _ Transport = bugstTransport{}
