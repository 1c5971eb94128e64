package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"

	"go.uber.org/zap"

	"github.com/example/face-similarity/internal/envelope"
	"github.com/example/face-similarity/internal/extractor"
	"github.com/example/face-similarity/internal/logging"
	"github.com/example/face-similarity/internal/similarity"
)

const (
	// ErrNoUsablePeople is returned when no reference photo produced a face encoding.
	ErrNoUsablePeople envelope.ValidationError = "no face could be encoded from any person photo"
	// ErrUndecodableImage is returned when an uploaded file is not an image.
	ErrUndecodableImage envelope.ValidationError = "uploaded file could not be decoded as an image"
)

// AnalysisRequest is the classification request body.
type AnalysisRequest struct {
	TargetImages []string      `json:"targetImages" binding:"required"`
	People       []PersonInput `json:"people" binding:"required,dive"`
}

// PersonInput is one reference person. The id must be present; zero is a valid id.
type PersonInput struct {
	ID       int64  `json:"id"`
	PhotoURL string `json:"photoUrl" binding:"required"`
}

var errMissingPersonID = errors.New("person id is required")

func (p *PersonInput) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       *int64 `json:"id"`
		PhotoURL string `json:"photoUrl"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == nil {
		return errMissingPersonID
	}
	p.ID, p.PhotoURL = *raw.ID, raw.PhotoURL
	return nil
}

// Analysis is the outcome of Classify.
type Analysis struct {
	Targets      []similarity.TargetResult
	UsablePeople int
}

// Classify scores every target image against every person in req. Person
// photos and target images are processed as a single batch.
func (p *Pipeline) Classify(ctx context.Context, req AnalysisRequest) (analysis *Analysis, err error) {
	log := logging.ForContext(ctx, p.logger, "pipeline.classify")
	defer func() {
		if r := recover(); r != nil {
			analysis = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
			log.Error("classification failed unexpectedly", zap.Error(err))
		}
	}()

	tasks := make([]ImageTask, 0, len(req.People)+len(req.TargetImages))
	for i, person := range req.People {
		tasks = append(tasks, ImageTask{
			Index:    i,
			Role:     RolePerson,
			Identity: strconv.FormatInt(person.ID, 10),
			URL:      person.PhotoURL,
		})
	}
	for i, url := range req.TargetImages {
		tasks = append(tasks, ImageTask{Index: i, Role: RoleTarget, Identity: url, URL: url})
	}

	results, err := p.Run(ctx, tasks)
	if err != nil {
		return nil, err
	}
	personResults, targetResults := results[:len(req.People)], results[len(req.People):]

	people := make([]similarity.PersonEncoding, 0, len(personResults))
	for i, res := range personResults {
		person := req.People[i]
		switch n := len(res.Faces); {
		case n == 0:
			log.Warn("person has no usable face and is excluded",
				zap.Int64("person_id", person.ID), zap.String("url", person.PhotoURL), zap.Error(res.Err))
			continue
		case n > 1:
			log.Warn("several faces in person photo, keeping the first",
				zap.Int64("person_id", person.ID), zap.String("url", person.PhotoURL), zap.Int("faces", n))
		}
		people = append(people, similarity.PersonEncoding{ID: person.ID, Vector: res.Faces[0].Vector})
	}
	if len(people) == 0 {
		return nil, ErrNoUsablePeople
	}

	targets := make([]similarity.TargetFaces, len(targetResults))
	for i, res := range targetResults {
		vectors := make([]extractor.Vector, len(res.Faces))
		for j, face := range res.Faces {
			vectors[j] = face.Vector
		}
		targets[i] = similarity.TargetFaces{ImageURL: req.TargetImages[i], Vectors: vectors}
	}

	log.Info("classification complete",
		zap.Int("people", len(req.People)),
		zap.Int("usable_people", len(people)),
		zap.Int("targets", len(req.TargetImages)))
	return &Analysis{Targets: similarity.Aggregate(people, targets), UsablePeople: len(people)}, nil
}

// CountFaces runs one uploaded image through the pipeline, skipping the fetch.
// Undecodable input is a validation error; a failed extraction counts as no
// faces.
func (p *Pipeline) CountFaces(ctx context.Context, name string, raw []byte) (int, error) {
	ctx = context.WithoutCancel(ctx)
	if raw == nil {
		raw = []byte{}
	}
	res := p.runTask(ctx, ImageTask{Role: RoleUpload, Identity: name, URL: name, Bytes: raw})
	if res.Err == nil {
		return len(res.Faces), nil
	}

	var panicErr *PanicError
	if errors.As(res.Err, &panicErr) {
		return 0, res.Err
	}
	var stageErr *StageError
	if errors.As(res.Err, &stageErr) && stageErr.Stage == StageDecode {
		return 0, fmt.Errorf("%w: %v", ErrUndecodableImage, stageErr.Err)
	}
	return 0, nil
}
