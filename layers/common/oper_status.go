package common

type (
	// OperStatus are the possible states of a physical medium,
	// network interface card, network interface, etc.
	OperStatus int
)

const (
	OperStatusDown OperStatus = iota
	OperStatusUp
)

func (o OperStatus) String() string {
	if o == OperStatusUp {
		return "up"
	}
	return "down"
}
