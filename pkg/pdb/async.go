package pdb

import (
	"encoding/binary"
	"fmt"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

const noCatchHandler = 0xFFFFFFFF

func encodeAsyncInfo(info AsyncInfo) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(info.KickoffMethod))
	catch := uint32(noCatchHandler)
	if info.CatchHandlerOffset >= 0 {
		catch = uint32(info.CatchHandlerOffset)
	}
	b = binary.LittleEndian.AppendUint32(b, catch)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(info.Steps)))
	for _, s := range info.Steps {
		b = binary.LittleEndian.AppendUint32(b, uint32(s.YieldOffset))
		b = binary.LittleEndian.AppendUint32(b, uint32(s.ResumeOffset))
		b = binary.LittleEndian.AppendUint32(b, uint32(s.ResumeMethod))
	}
	return b
}

func decodeAsyncInfo(data []byte) (*AsyncInfo, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("async method info too small: %d bytes", len(data))
	}
	info := &AsyncInfo{
		KickoffMethod:      metadata.Token(binary.LittleEndian.Uint32(data)),
		CatchHandlerOffset: -1,
	}
	if catch := binary.LittleEndian.Uint32(data[4:]); catch != noCatchHandler {
		info.CatchHandlerOffset = int(catch)
	}
	n := int(binary.LittleEndian.Uint32(data[8:]))
	if n < 0 || n > (len(data)-12)/12 {
		return nil, fmt.Errorf("async method info declares %d steps in %d bytes", n, len(data))
	}
	for i := 0; i < n; i++ {
		s := data[12+12*i:]
		info.Steps = append(info.Steps, AsyncStep{
			YieldOffset:  int(binary.LittleEndian.Uint32(s)),
			ResumeOffset: int(binary.LittleEndian.Uint32(s[4:])),
			ResumeMethod: metadata.Token(binary.LittleEndian.Uint32(s[8:])),
		})
	}
	return info, nil
}
