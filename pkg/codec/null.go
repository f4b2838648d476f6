package codec

import "errors"

var errNullCodecUsed = errors.New("codec: null codec never encodes or decodes")

// NullCodec discards whatever it's given and always errors. It exists
// for devices that carry raw PCM and should never have reached a
// codec stage in the first place — a misrouted stream surfaces loudly
// instead of silently passing garbage through.
type NullCodec struct{}

func (NullCodec) Encode(_ PCMFrame) (EncodedFrame, error) { return nil, errNullCodecUsed }
func (NullCodec) Decode(_ EncodedFrame) (PCMFrame, error)  { return nil, errNullCodecUsed }
