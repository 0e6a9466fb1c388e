package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

const (
	sessionFormatVersionCurrent = 1
)

var errFieldTooLong = errors.New("session field too long")

// Encode serialises a Session into the versioned binary layout stored in
// Redis. Timestamps are Unix milliseconds; zero times encode as 0.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersionCurrent)

	for _, field := range []string{
		s.ID, s.UserID, s.TokenHash, s.FamilyID,
		s.DeviceFingerprint, s.IPAddress, s.UserAgent, s.RevokeReason,
	} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}

	var flags byte
	if s.MFAVerified {
		flags |= 1
	}
	buf.WriteByte(flags)
	buf.WriteByte(s.RiskScore)

	for _, ts := range []time.Time{
		s.MFAVerifiedAt, s.CreatedAt, s.ExpiresAt, s.LastSeenAt, s.RevokedAt,
	} {
		if err := binary.Write(&buf, binary.BigEndian, unixMilli(ts)); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode parses the output of Encode.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersionCurrent {
		return nil, errors.New("invalid session version")
	}

	s := &Session{}
	for _, dst := range []*string{
		&s.ID, &s.UserID, &s.TokenHash, &s.FamilyID,
		&s.DeviceFingerprint, &s.IPAddress, &s.UserAgent, &s.RevokeReason,
	} {
		v, err := readString(reader)
		if err != nil {
			return nil, err
		}
		*dst = v
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	s.MFAVerified = flags&1 != 0

	if s.RiskScore, err = reader.ReadByte(); err != nil {
		return nil, err
	}

	for _, dst := range []*time.Time{
		&s.MFAVerifiedAt, &s.CreatedAt, &s.ExpiresAt, &s.LastSeenAt, &s.RevokedAt,
	} {
		var ms int64
		if err := binary.Read(reader, binary.BigEndian, &ms); err != nil {
			return nil, err
		}
		*dst = fromUnixMilli(ms)
	}

	if reader.Len() != 0 {
		return nil, errors.New("trailing session bytes")
	}
	return s, nil
}

func writeString(buf *bytes.Buffer, v string) error {
	if len(v) > 0xFFFF {
		return errFieldTooLong
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(v))); err != nil {
		return err
	}
	buf.WriteString(v)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
