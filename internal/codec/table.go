package codec

import (
	"encoding/binary"

	"grimm.is/pfkit/internal/errors"
)

// RecordTable splits a table response into its record count and body. The
// buffer is a u32 record count followed by count fixed-size records; a body
// whose length does not equal count*size is truncated.
func RecordTable(buf []byte, size int) (int, []byte, error) {
	if size <= 0 {
		return 0, nil, errors.Errorf(errors.KindInternal, "record size %d", size)
	}
	if len(buf) < countSize {
		return 0, nil, errors.Wrapf(errors.ErrTruncatedBuffer, errors.KindTruncated, "table header needs %d bytes, have %d", countSize, len(buf))
	}
	n := binary.BigEndian.Uint32(buf)
	body := buf[countSize:]
	if uint64(len(body)) != uint64(n)*uint64(size) {
		return 0, nil, errors.Wrapf(errors.ErrTruncatedBuffer, errors.KindTruncated,
			"table declares %d records of %d bytes, body has %d bytes", n, size, len(body))
	}
	return int(n), body, nil
}

// AppendRecordTable appends the count header and the records to dst.
func AppendRecordTable(dst []byte, records ...[]byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(records)))
	for _, r := range records {
		dst = append(dst, r...)
	}
	return dst
}
