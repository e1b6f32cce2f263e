package util

import "encoding/binary"

const (
	aadRecord = "RECORD"
	aadEscrow = "ESCROW"
)

// AADRecord binds a sealed storage record to its location.
func AADRecord(namespace, recordType, recordID string, ver int) []byte {
	return buildAAD(aadRecord, namespace, recordType, recordID, ver)
}

// AADEscrow binds an escrowed wrapped key to its transcript.
func AADEscrow(transcriptID string, ver int) []byte {
	return buildAAD(aadEscrow, transcriptID, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			res = binary.BigEndian.AppendUint64(res, v)
		case int:
			res = binary.BigEndian.AppendUint32(res, uint32(v))
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
