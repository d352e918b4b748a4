package session

// Status 连接状态
type Status int

const (
	StatusCreated Status = iota
	StatusAuthSent
	StatusAuthRecv
	StatusEstablished
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusAuthSent:
		return "auth-sent"
	case StatusAuthRecv:
		return "auth-recv"
	case StatusEstablished:
		return "established"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}
