package wlproto

import "github.com/bnema/wlproto/objtable"

// Observer is notified of traffic on a connection. Methods run on the
// goroutine driving the connection and must not block.
type Observer interface {
	MessageReceived(side objtable.Side, iface, message string)
	MessageSent(side objtable.Side, iface, message string)
	Flushed(side objtable.Side, bytes int)
	ConnectionFailed(side objtable.Side, kind ErrorKind)
}

type nopObserver struct{}

func (nopObserver) MessageReceived(objtable.Side, string, string) {}
func (nopObserver) MessageSent(objtable.Side, string, string)     {}
func (nopObserver) Flushed(objtable.Side, int)                    {}
func (nopObserver) ConnectionFailed(objtable.Side, ErrorKind)     {}
