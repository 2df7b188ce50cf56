package mqttproto

import "encoding/binary"

// Decoder buffers partial frames off a byte stream and emits complete
// Packets only once a frame has been fully accumulated.
type Decoder struct {
	buf []byte
}

// Feed appends newly-read bytes and decodes as many complete packets as
// are now available. A non-nil error is always a *ProtocolError and means
// the Connection must be torn down.
func (d *Decoder) Feed(data []byte) ([]Packet, error) {
	d.buf = append(d.buf, data...)

	var out []Packet
	for {
		pkt, n, ok, err := d.tryDecodeOne()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		d.buf = d.buf[n:]
		out = append(out, pkt)
	}
	return out, nil
}

func (d *Decoder) tryDecodeOne() (Packet, int, bool, error) {
	if len(d.buf) < 1 {
		return Packet{}, 0, false, nil
	}
	typeByte := d.buf[0]

	remainingLen, lenBytes, ok, err := decodeVarInt(d.buf[1:])
	if err != nil {
		return Packet{}, 0, false, err
	}
	if !ok {
		return Packet{}, 0, false, nil
	}
	if remainingLen > MaxPacketSize {
		return Packet{}, 0, false, protoErr("packet too large: %d bytes", remainingLen)
	}

	total := 1 + lenBytes + remainingLen
	if len(d.buf) < total {
		return Packet{}, 0, false, nil
	}

	body := d.buf[1+lenBytes : total]
	pkt, err := decodeBody(typeByte, body)
	if err != nil {
		return Packet{}, 0, false, err
	}
	return pkt, total, true, nil
}

func decodeBody(typeByte byte, body []byte) (Packet, error) {
	switch {
	case typeByte == byte(TypeConnect):
		cp, err := decodeConnect(body)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypeConnect, Connect: cp}, nil
	case typeByte&0xf0 == 0x30:
		pp, err := decodePublish(typeByte, body)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypePublish, Publish: pp}, nil
	case typeByte == byte(TypeSubscribe):
		sp, err := decodeSubscribe(body)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypeSubscribe, Subscribe: sp}, nil
	case typeByte == byte(TypePingReq):
		return Packet{Type: TypePingReq}, nil
	case typeByte == byte(TypeDisconnect):
		return Packet{Type: TypeDisconnect}, nil
	default:
		return Packet{}, protoErr("unsupported packet type 0x%02x", typeByte)
	}
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, protoErr("truncated string length")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, protoErr("truncated string body")
	}
	return string(buf[:n]), buf[n:], nil
}

func decodeConnect(body []byte) (*ConnectPacket, error) {
	protoName, rest, err := readString(body)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, protoErr("truncated CONNECT variable header")
	}
	level := rest[0]
	flags := rest[1]
	keepAlive := binary.BigEndian.Uint16(rest[2:4])
	rest = rest[4:]

	clientID, rest, err := readString(rest)
	if err != nil {
		return nil, err
	}

	cp := &ConnectPacket{
		ProtocolName:  protoName,
		ProtocolLevel: level,
		Flags:         flags,
		KeepAlive:     keepAlive,
		ClientID:      clientID,
	}

	if flags&connectFlagUsername != 0 {
		username, r, err := readString(rest)
		if err != nil {
			return nil, err
		}
		cp.Username = username
		cp.HasUsername = true
		rest = r
	}
	if flags&connectFlagPassword != 0 {
		if len(rest) < 2 {
			return nil, protoErr("truncated CONNECT password length")
		}
		n := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < n {
			return nil, protoErr("truncated CONNECT password body")
		}
		cp.Password = append([]byte(nil), rest[:n]...)
		cp.HasPassword = true
		rest = rest[n:]
	}

	return cp, nil
}

func decodePublish(typeByte byte, body []byte) (*PublishPacket, error) {
	qos := (typeByte >> 1) & 0x03
	if qos > 2 {
		return nil, protoErr("invalid QoS in PUBLISH")
	}

	topic, rest, err := readString(body)
	if err != nil {
		return nil, err
	}

	pp := &PublishPacket{Topic: topic, QoS: qos}
	if qos > 0 {
		if len(rest) < 2 {
			return nil, protoErr("truncated PUBLISH packet id")
		}
		pp.PacketID = binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
	}
	pp.Payload = append([]byte(nil), rest...)
	return pp, nil
}

func decodeSubscribe(body []byte) (*SubscribePacket, error) {
	if len(body) < 2 {
		return nil, protoErr("truncated SUBSCRIBE packet id")
	}
	packetID := binary.BigEndian.Uint16(body[:2])
	rest := body[2:]

	filter, rest, err := readString(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 1 {
		return nil, protoErr("truncated SUBSCRIBE requested QoS")
	}
	return &SubscribePacket{
		PacketID:     packetID,
		TopicFilter:  filter,
		RequestedQoS: rest[0],
	}, nil
}
