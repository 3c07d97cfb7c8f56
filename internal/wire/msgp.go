package wire

import (
	gocid "github.com/ipfs/go-cid"
	"github.com/tinylib/msgp/msgp"
)

// The message codecs below are written by hand against the msgp Reader and
// Writer. Bodies are maps keyed by field name. Decoders skip keys they do
// not know so newer peers can add fields.

func writeCid(en *msgp.Writer, c gocid.Cid) error {
	if !c.Defined() {
		return en.WriteBytes(nil)
	}
	return en.WriteBytes(c.Bytes())
}

func readCid(dc *msgp.Reader) (gocid.Cid, error) {
	b, err := dc.ReadBytes(nil)
	if err != nil {
		return gocid.Undef, err
	}
	if len(b) == 0 {
		return gocid.Undef, nil
	}
	return gocid.Cast(b)
}

// decodeMap reads a map header and calls field for each key. Unknown keys
// are skipped.
func decodeMap(dc *msgp.Reader, field func(key string) (bool, error)) error {
	n, err := dc.ReadMapHeader()
	if err != nil {
		return msgp.WrapError(err)
	}
	var key []byte
	for ; n > 0; n-- {
		key, err = dc.ReadMapKeyPtr()
		if err != nil {
			return msgp.WrapError(err)
		}
		name := string(key)
		ok, err := field(name)
		if err != nil {
			return msgp.WrapError(err, name)
		}
		if !ok {
			if err := dc.Skip(); err != nil {
				return msgp.WrapError(err, name)
			}
		}
	}
	return nil
}

func (m *Hello) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(1); err != nil {
		return err
	}
	if err := en.WriteString("head"); err != nil {
		return err
	}
	return writeCid(en, m.Head)
}

func (m *Hello) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeMap(dc, func(key string) (bool, error) {
		switch key {
		case "head":
			m.Head, err = readCid(dc)
			return true, err
		}
		return false, nil
	})
}

func (m *Want) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(2); err != nil {
		return err
	}
	if err := en.WriteString("target"); err != nil {
		return err
	}
	if err := writeCid(en, m.Target); err != nil {
		return err
	}
	if err := en.WriteString("have"); err != nil {
		return err
	}
	return writeCid(en, m.Have)
}

func (m *Want) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeMap(dc, func(key string) (bool, error) {
		switch key {
		case "target":
			m.Target, err = readCid(dc)
			return true, err
		case "have":
			m.Have, err = readCid(dc)
			return true, err
		}
		return false, nil
	})
}

func encodeObject(en *msgp.Writer, id gocid.Cid, data []byte) error {
	if err := en.WriteMapHeader(2); err != nil {
		return err
	}
	if err := en.WriteString("id"); err != nil {
		return err
	}
	if err := writeCid(en, id); err != nil {
		return err
	}
	if err := en.WriteString("data"); err != nil {
		return err
	}
	return en.WriteBytes(data)
}

func decodeObject(dc *msgp.Reader, id *gocid.Cid, data *[]byte) (err error) {
	return decodeMap(dc, func(key string) (bool, error) {
		switch key {
		case "id":
			*id, err = readCid(dc)
			return true, err
		case "data":
			*data, err = dc.ReadBytes(*data)
			return true, err
		}
		return false, nil
	})
}

func (m *CommitData) EncodeMsg(en *msgp.Writer) error { return encodeObject(en, m.ID, m.Data) }

func (m *CommitData) DecodeMsg(dc *msgp.Reader) error { return decodeObject(dc, &m.ID, &m.Data) }

func (m *BlobData) EncodeMsg(en *msgp.Writer) error { return encodeObject(en, m.ID, m.Data) }

func (m *BlobData) DecodeMsg(dc *msgp.Reader) error { return decodeObject(dc, &m.ID, &m.Data) }

func (m *Done) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(2); err != nil {
		return err
	}
	if err := en.WriteString("target"); err != nil {
		return err
	}
	if err := writeCid(en, m.Target); err != nil {
		return err
	}
	if err := en.WriteString("error"); err != nil {
		return err
	}
	return en.WriteString(m.Error)
}

func (m *Done) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeMap(dc, func(key string) (bool, error) {
		switch key {
		case "target":
			m.Target, err = readCid(dc)
			return true, err
		case "error":
			m.Error, err = dc.ReadString()
			return true, err
		}
		return false, nil
	})
}

func (m *Announce) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(1); err != nil {
		return err
	}
	if err := en.WriteString("head"); err != nil {
		return err
	}
	return writeCid(en, m.Head)
}

func (m *Announce) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeMap(dc, func(key string) (bool, error) {
		switch key {
		case "head":
			m.Head, err = readCid(dc)
			return true, err
		}
		return false, nil
	})
}

func (m *Identify) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(4); err != nil {
		return err
	}
	if err := en.WriteString("peer_id"); err != nil {
		return err
	}
	if err := en.WriteString(m.PeerID); err != nil {
		return err
	}
	if err := en.WriteString("public_key"); err != nil {
		return err
	}
	if err := en.WriteBytes(m.PublicKey); err != nil {
		return err
	}
	if err := en.WriteString("nonce"); err != nil {
		return err
	}
	if err := en.WriteBytes(m.Nonce); err != nil {
		return err
	}
	if err := en.WriteString("listen"); err != nil {
		return err
	}
	if err := en.WriteArrayHeader(uint32(len(m.Listen))); err != nil {
		return err
	}
	for _, a := range m.Listen {
		if err := en.WriteString(a); err != nil {
			return err
		}
	}
	return nil
}

func (m *Identify) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeMap(dc, func(key string) (bool, error) {
		switch key {
		case "peer_id":
			m.PeerID, err = dc.ReadString()
			return true, err
		case "public_key":
			m.PublicKey, err = dc.ReadBytes(m.PublicKey)
			return true, err
		case "nonce":
			m.Nonce, err = dc.ReadBytes(m.Nonce)
			return true, err
		case "listen":
			var n uint32
			n, err = dc.ReadArrayHeader()
			if err != nil {
				return true, err
			}
			m.Listen = make([]string, 0, n)
			for ; n > 0; n-- {
				var s string
				s, err = dc.ReadString()
				if err != nil {
					return true, err
				}
				m.Listen = append(m.Listen, s)
			}
			return true, nil
		}
		return false, nil
	})
}

func (m *Proof) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(1); err != nil {
		return err
	}
	if err := en.WriteString("signature"); err != nil {
		return err
	}
	return en.WriteBytes(m.Signature)
}

func (m *Proof) DecodeMsg(dc *msgp.Reader) (err error) {
	return decodeMap(dc, func(key string) (bool, error) {
		switch key {
		case "signature":
			m.Signature, err = dc.ReadBytes(m.Signature)
			return true, err
		}
		return false, nil
	})
}
