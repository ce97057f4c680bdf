package states

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"grimm.is/pfkit/internal/codec"
	"grimm.is/pfkit/internal/errors"
)

// Output formats accepted by Write.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Format renders e the way pfctl -s state does:
//
//	<ifname> <proto> <lan> <dir> [<gwy> <dir>] <ext-lan> <src>:<dst>
//
// The gateway segment is only shown when it differs from the LAN endpoint.
func Format(e codec.StateEntry) string {
	ifname := e.Interface
	if ifname == "" {
		ifname = "all"
	}
	arrow := e.Direction.Arrow()
	lan := endpoint(e.LAN)
	gwy := endpoint(e.Gateway)

	var sb strings.Builder
	sb.WriteString(ifname)
	sb.WriteByte(' ')
	sb.WriteString(e.Protocol.String())
	sb.WriteByte(' ')
	sb.WriteString(lan)
	sb.WriteByte(' ')
	sb.WriteString(arrow)
	sb.WriteByte(' ')
	if gwy != lan {
		sb.WriteString(gwy)
		sb.WriteByte(' ')
		sb.WriteString(arrow)
		sb.WriteByte(' ')
	}
	sb.WriteString(endpoint(e.ExtLAN))
	sb.WriteByte(' ')
	sb.WriteString(e.Src.State.String())
	sb.WriteByte(':')
	sb.WriteString(e.Dst.State.String())
	return sb.String()
}

// endpoint renders addr:port, or addr[port] for IPv6. A zero port, or an
// xport that is not a port, prints the address alone.
func endpoint(ep codec.Endpoint) string {
	addr := ep.Addr.String()
	port, ok := ep.Xport.Port()
	if !ok || port == 0 {
		return addr
	}
	if ep.Addr.Family() == codec.FamilyInet6 {
		return addr + "[" + strconv.Itoa(int(port)) + "]"
	}
	return addr + ":" + strconv.Itoa(int(port))
}

// entryView is the exported shape of a state entry.
type entryView struct {
	ID         string   `json:"id" yaml:"id"`
	Interface  string   `json:"interface" yaml:"interface"`
	Protocol   string   `json:"protocol" yaml:"protocol"`
	Direction  string   `json:"direction" yaml:"direction"`
	LAN        string   `json:"lan" yaml:"lan"`
	Gateway    string   `json:"gateway" yaml:"gateway"`
	ExtLAN     string   `json:"ext_lan" yaml:"ext_lan"`
	ExtGateway string   `json:"ext_gateway" yaml:"ext_gateway"`
	SrcState   string   `json:"src_state" yaml:"src_state"`
	DstState   string   `json:"dst_state" yaml:"dst_state"`
	Packets    []uint64 `json:"packets" yaml:"packets"`
	Bytes      []uint64 `json:"bytes" yaml:"bytes"`
	Rule       uint32   `json:"rule" yaml:"rule"`
	Creation   uint64   `json:"creation" yaml:"creation"`
	Expire     uint64   `json:"expire" yaml:"expire"`
}

type snapshotView struct {
	Taken   string      `json:"taken,omitempty" yaml:"taken,omitempty"`
	Entries []entryView `json:"entries" yaml:"entries"`
	Errors  []string    `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func view(s *Snapshot) snapshotView {
	v := snapshotView{Entries: make([]entryView, 0, len(s.Entries))}
	if !s.Taken.IsZero() {
		v.Taken = s.Taken.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	for _, e := range s.Entries {
		v.Entries = append(v.Entries, entryView{
			ID:         fmt.Sprintf("%016x", e.ID),
			Interface:  e.Interface,
			Protocol:   e.Protocol.String(),
			Direction:  e.Direction.String(),
			LAN:        endpoint(e.LAN),
			Gateway:    endpoint(e.Gateway),
			ExtLAN:     endpoint(e.ExtLAN),
			ExtGateway: endpoint(e.ExtGateway),
			SrcState:   e.Src.State.String(),
			DstState:   e.Dst.State.String(),
			Packets:    e.Packets[:],
			Bytes:      e.Bytes[:],
			Rule:       e.Rule,
			Creation:   e.Creation,
			Expire:     e.Expire,
		})
	}
	for _, re := range s.Errors {
		v.Errors = append(v.Errors, re.Error())
	}
	return v
}

// Write renders the snapshot to w in the given format.
func Write(w io.Writer, s *Snapshot, format string) error {
	switch format {
	case FormatText, "":
		for _, e := range s.Entries {
			if _, err := fmt.Fprintln(w, Format(e)); err != nil {
				return err
			}
		}
		for _, re := range s.Errors {
			if _, err := fmt.Fprintf(w, "# %v\n", re); err != nil {
				return err
			}
		}
		return nil
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view(s))
	case FormatYAML:
		out, err := yaml.Marshal(view(s))
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "marshal states")
		}
		_, err = w.Write(out)
		return err
	default:
		return errors.Errorf(errors.KindValidation, "unknown output format %q", format)
	}
}
