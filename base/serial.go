package base

type SerialParity int
type SerialStopBits int

const (
	SerialNoParity    SerialParity   = 1
	SerialOddParity   SerialParity   = 2
	SerialEvenParity  SerialParity   = 3
	SerialOneStopBit  SerialStopBits = 1
	SerialTwoStopBits SerialStopBits = 2
)

type SerialStreamSettings struct {
	Port     string
	BaudRate int
	DataBits byte
	Parity   SerialParity
	StopBits SerialStopBits
}
