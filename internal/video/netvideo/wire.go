package netvideo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
	"github.com/bryanchriswhite/FrameSync/internal/video"
)

// Frame message layout, little-endian:
//
//	0  magic "FSVF"
//	4  width      uint32
//	8  height     uint32
//	12 format     uint8, 3 bytes padding
//	16 rate num   uint32
//	20 rate den   uint32
//	24 timecode   int64
//	32 pixels
const frameHeaderSize = 32

var frameMagic = [4]byte{'F', 'S', 'V', 'F'}

var errBadFrame = errors.New("netvideo: malformed frame message")

func encodeFrame(f *video.Frame) ([]byte, error) {
	size := pixfmt.FrameSize(f.Width, f.Height)
	if size == 0 || len(f.Data) < size {
		return nil, fmt.Errorf("netvideo: frame %dx%d carries %d bytes", f.Width, f.Height, len(f.Data))
	}
	if !f.Format.Valid() {
		return nil, fmt.Errorf("netvideo: invalid pixel format %d", f.Format)
	}

	msg := make([]byte, frameHeaderSize+size)
	copy(msg[0:4], frameMagic[:])
	binary.LittleEndian.PutUint32(msg[4:8], uint32(f.Width))
	binary.LittleEndian.PutUint32(msg[8:12], uint32(f.Height))
	msg[12] = byte(f.Format)
	binary.LittleEndian.PutUint32(msg[16:20], uint32(f.FrameRateN))
	binary.LittleEndian.PutUint32(msg[20:24], uint32(f.FrameRateD))
	binary.LittleEndian.PutUint64(msg[24:32], uint64(f.Timecode))
	copy(msg[frameHeaderSize:], f.Data[:size])
	return msg, nil
}

func decodeFrame(msg []byte) (*video.Frame, error) {
	if len(msg) < frameHeaderSize || [4]byte(msg[0:4]) != frameMagic {
		return nil, errBadFrame
	}
	f := &video.Frame{
		Width:      int(binary.LittleEndian.Uint32(msg[4:8])),
		Height:     int(binary.LittleEndian.Uint32(msg[8:12])),
		Format:     pixfmt.Format(msg[12]),
		FrameRateN: int(binary.LittleEndian.Uint32(msg[16:20])),
		FrameRateD: int(binary.LittleEndian.Uint32(msg[20:24])),
		Timecode:   int64(binary.LittleEndian.Uint64(msg[24:32])),
	}
	if !f.Format.Valid() {
		return nil, fmt.Errorf("%w: format %d", errBadFrame, msg[12])
	}
	size := pixfmt.FrameSize(f.Width, f.Height)
	if size == 0 || len(msg)-frameHeaderSize != size {
		return nil, fmt.Errorf("%w: %dx%d with %d pixel bytes", errBadFrame, f.Width, f.Height, len(msg)-frameHeaderSize)
	}
	f.Data = msg[frameHeaderSize:]
	return f, nil
}
