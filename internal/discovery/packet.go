package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/radio-control/xapi/internal/radio"
)

// DefaultPort is the command port assumed when an announcement omits one.
const DefaultPort = 4992

// ErrInvalidPacket is returned for announcements without a serial.
var ErrInvalidPacket = errors.New("invalid discovery packet")

// spaces inside values are carried as DEL characters
const spaceMark = "\x7f"

func encodeValue(s string) string {
	return strings.ReplaceAll(s, " ", spaceMark)
}

func decodeValue(s string) string {
	return strings.ReplaceAll(s, spaceMark, " ")
}

// Encode renders res as a key=value announcement. Legacy resources do not
// list their occupants.
func Encode(res radio.Resource) []byte {
	host, port, err := net.SplitHostPort(res.Address)
	if err != nil {
		host, port = res.Address, strconv.Itoa(DefaultPort)
	}
	fields := []string{
		"discovery_protocol_version=3.0.0.2",
		"model=" + encodeValue(res.Model),
		"serial=" + encodeValue(res.Serial),
		"version=" + res.Version.String(),
		"nickname=" + encodeValue(res.Nickname),
		"ip=" + host,
		"port=" + port,
		"status=" + res.Status.String(),
	}
	if res.Version.IsCurrent() {
		var handles, stations, programs, ids []string
		for _, c := range res.Clients {
			handles = append(handles, c.Handle.String())
			stations = append(stations, encodeValue(c.Station))
			programs = append(programs, encodeValue(c.Program))
			ids = append(ids, c.ClientID)
		}
		fields = append(fields,
			"gui_client_handles="+strings.Join(handles, ","),
			"gui_client_stations="+strings.Join(stations, ","),
			"gui_client_programs="+strings.Join(programs, ","),
			"gui_client_ids="+strings.Join(ids, ","),
		)
	}
	return []byte(strings.Join(fields, " "))
}

// Parse decodes an announcement. from supplies the address when the packet
// carries no ip field.
func Parse(payload []byte, from net.Addr) (radio.Resource, error) {
	kv := make(map[string]string)
	for _, field := range strings.Fields(string(payload)) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		kv[k] = v
	}

	serial := decodeValue(kv["serial"])
	if serial == "" {
		return radio.Resource{}, fmt.Errorf("%w: no serial", ErrInvalidPacket)
	}

	host := kv["ip"]
	if host == "" && from != nil {
		if h, _, err := net.SplitHostPort(from.String()); err == nil {
			host = h
		}
	}
	port := kv["port"]
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}

	res := radio.Resource{
		Serial:   serial,
		Access:   radio.AccessLocal,
		Nickname: decodeValue(kv["nickname"]),
		Model:    decodeValue(kv["model"]),
		Address:  net.JoinHostPort(host, port),
		Status:   radio.ParseStatus(kv["status"]),
		Version:  radio.ParseVersion(kv["version"]),
	}

	handles := splitList(kv["gui_client_handles"])
	stations := splitList(kv["gui_client_stations"])
	programs := splitList(kv["gui_client_programs"])
	ids := splitList(kv["gui_client_ids"])
	for i, hs := range handles {
		h, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(hs), "0x"), 16, 32)
		if err != nil {
			return radio.Resource{}, fmt.Errorf("%w: handle %q", ErrInvalidPacket, hs)
		}
		res.Clients = append(res.Clients, radio.Client{
			Handle:   radio.Handle(h),
			Station:  decodeValue(at(stations, i)),
			Program:  decodeValue(at(programs, i)),
			ClientID: at(ids, i),
		})
	}
	return res, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func at(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}
	return ""
}
