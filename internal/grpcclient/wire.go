package grpcclient

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-similarity/internal/extractor"
)

// ErrMalformedReply is returned when the extractor reply does not have the
// [{box: [top, right, bottom, left], vector: [...]}] shape.
var ErrMalformedReply = errors.New("malformed extractor reply")

// FacesToList encodes faces in the wire shape.
func FacesToList(faces []extractor.Face) (*structpb.ListValue, error) {
	values := make([]any, 0, len(faces))
	for _, f := range faces {
		vector := make([]any, len(f.Vector))
		for i, v := range f.Vector {
			vector[i] = v
		}
		values = append(values, map[string]any{
			"box":    []any{f.Region.Top, f.Region.Right, f.Region.Bottom, f.Region.Left},
			"vector": vector,
		})
	}
	return structpb.NewList(values)
}

// FacesFromList decodes the wire shape.
func FacesFromList(list *structpb.ListValue) ([]extractor.Face, error) {
	faces := make([]extractor.Face, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("%w: face %d is not an object", ErrMalformedReply, i)
		}

		box, err := numbers(fields["box"])
		if err != nil || len(box) != 4 {
			return nil, fmt.Errorf("%w: face %d has an invalid box", ErrMalformedReply, i)
		}
		vector, err := numbers(fields["vector"])
		if err != nil || len(vector) == 0 {
			return nil, fmt.Errorf("%w: face %d has an invalid vector", ErrMalformedReply, i)
		}

		faces = append(faces, extractor.Face{
			Region: extractor.Region{
				Top:    int(box[0]),
				Right:  int(box[1]),
				Bottom: int(box[2]),
				Left:   int(box[3]),
			},
			Vector: vector,
		})
	}
	return faces, nil
}

func numbers(v *structpb.Value) ([]float64, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, ErrMalformedReply
	}
	out := make([]float64, len(list.GetValues()))
	for i, n := range list.GetValues() {
		if _, ok := n.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, ErrMalformedReply
		}
		out[i] = n.GetNumberValue()
	}
	return out, nil
}
