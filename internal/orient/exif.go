package orient

import (
	"bytes"
	"encoding/binary"
)

const (
	maxIFDs = 8

	tagExifIFD    = 0x8769
	tagGPSIFD     = 0x8825
	tagInteropIFD = 0xA005
)

var exifHeader = []byte("Exif\x00\x00")

// TIFF field type sizes in bytes, indexed by type id. Unknown types are zero.
var fieldSize = [...]uint64{1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8}

// exifTIFF returns the TIFF block holding the EXIF directories of a JPEG or a
// bare TIFF stream, or false when there is none. It never reads past data.
func exifTIFF(data []byte) ([]byte, bool) {
	if len(data) >= 4 && (string(data[:4]) == "II*\x00" || string(data[:4]) == "MM\x00*") {
		return data, true
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, false
	}

	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return nil, false
		}
		marker := data[i+1]
		switch {
		case marker == 0xFF:
			i++
			continue
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			i += 2
			continue
		case marker == 0xD9 || marker == 0xDA:
			return nil, false
		}

		n := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if n < 2 || i+2+n > len(data) {
			return nil, false
		}
		segment := data[i+4 : i+2+n]
		if marker == 0xE1 && bytes.HasPrefix(segment, exifHeader) {
			return segment[len(exifHeader):], true
		}
		i += 2 + n
	}
	return nil, false
}

// validTIFF walks every directory the EXIF decoder would visit (the IFD chain
// plus the Exif, GPS and Interop sub-IFDs) and reports whether each entry's
// value fits inside tiff. Cycles and more than maxIFDs directories fail.
func validTIFF(tiff []byte) bool {
	if len(tiff) < 8 {
		return false
	}
	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return false
	}
	if order.Uint16(tiff[2:4]) != 42 {
		return false
	}

	size := uint64(len(tiff))
	seen := make(map[uint32]bool)
	pending := []uint32{order.Uint32(tiff[4:8])}
	chained := map[uint32]bool{pending[0]: true}

	for len(pending) > 0 {
		off := pending[0]
		pending = pending[1:]
		if off == 0 {
			continue
		}
		if seen[off] || len(seen) == maxIFDs {
			return false
		}
		seen[off] = true

		if uint64(off)+2 > size {
			return false
		}
		count := uint64(order.Uint16(tiff[off:]))
		end := uint64(off) + 2 + count*12
		if end+4 > size {
			return false
		}

		for e := uint64(off) + 2; e < end; e += 12 {
			entry := tiff[e : e+12]
			typ := order.Uint16(entry[2:4])
			n := uint64(order.Uint32(entry[4:8]))
			var width uint64
			if int(typ) < len(fieldSize) {
				width = fieldSize[typ]
			}
			valLen := width * n
			if valLen > size {
				return false
			}
			if valLen > 4 && uint64(order.Uint32(entry[8:12]))+valLen > size {
				return false
			}

			switch order.Uint16(entry[0:2]) {
			case tagExifIFD, tagGPSIFD, tagInteropIFD:
				if n >= 1 && valLen <= 4 {
					pending = append(pending, pointerValue(order, typ, entry[8:12]))
				}
			}
		}

		if chained[off] {
			next := order.Uint32(tiff[end : end+4])
			chained[next] = true
			pending = append(pending, next)
		}
	}
	return true
}

func pointerValue(order binary.ByteOrder, typ uint16, raw []byte) uint32 {
	if typ == 3 {
		return uint32(order.Uint16(raw))
	}
	return order.Uint32(raw)
}
