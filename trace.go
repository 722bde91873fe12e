package wlproto

import (
	"fmt"
	"strings"

	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/protocol"
	"github.com/bnema/wlproto/wire"
)

// formatMessage renders a message the way WAYLAND_DEBUG output does:
//
//	-> wl_display#1.sync(new id wl_callback#3)
func formatMessage(sent bool, target string, msg *protocol.Message, args []any) string {
	var b strings.Builder
	if sent {
		b.WriteString(" -> ")
	}
	fmt.Fprintf(&b, "%s.%s(", target, msg.Name)
	for i, arg := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		formatArg(&b, msg.Args[i], arg)
	}
	b.WriteByte(')')
	return b.String()
}

func formatArg(b *strings.Builder, desc protocol.Arg, arg any) {
	if arg == nil {
		b.WriteString("nil")
		return
	}
	switch v := arg.(type) {
	case int32, uint32, int, uint:
		fmt.Fprintf(b, "%d", v)
	case wire.Fixed:
		fmt.Fprintf(b, "%f", v.Float64())
	case float64:
		fmt.Fprintf(b, "%f", v)
	case string:
		fmt.Fprintf(b, "%q", v)
	case []byte:
		fmt.Fprintf(b, "array[%d]", len(v))
	case wire.NewID:
		if v.Interface == "" && desc.Interface != nil {
			v.Interface = desc.Interface.Name
		}
		fmt.Fprintf(b, "new id %s#%d", v.Interface, v.ID)
	case *objtable.Object:
		if v == nil {
			b.WriteString("nil")
			return
		}
		if desc.Type == protocol.TypeNewID {
			b.WriteString("new id ")
		}
		b.WriteString(v.String())
	case wire.ObjectID:
		fmt.Fprintf(b, "[unknown]#%d", uint32(v))
	default:
		fmt.Fprintf(b, "%v", v)
	}
	if desc.Type == protocol.TypeFD {
		b.WriteString(" (fd)")
	}
}
