package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"petportrait/internal/config"
	"petportrait/internal/imaging"

	vision "cloud.google.com/go/vision/apiv1"
	"google.golang.org/api/option"
	pb "google.golang.org/genproto/googleapis/cloud/vision/v1"
)

const (
	visionMaxLabels = 10
	visionTextLimit = 50
	visionPromptEnd = ", digital art, highly detailed, 4k, trending on artstation"
)

type annotateFunc func(ctx context.Context, req *pb.AnnotateImageRequest) (*pb.AnnotateImageResponse, error)

// Vision 使用 Google Cloud Vision 的标签、文字、人脸与颜色检测
type Vision struct {
	annotate annotateFunc
	closer   func() error
}

func NewVision(ctx context.Context, cfg config.Config) (*Vision, error) {
	var opts []option.ClientOption
	if path := strings.TrimSpace(cfg.GoogleVisionCredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create vision client: %w", err)
	}
	return &Vision{
		annotate: func(ctx context.Context, req *pb.AnnotateImageRequest) (*pb.AnnotateImageResponse, error) {
			return client.AnnotateImage(ctx, req)
		},
		closer: client.Close,
	}, nil
}

func (v *Vision) Name() string { return ProviderVision }

func (v *Vision) Close() error {
	if v == nil || v.closer == nil {
		return nil
	}
	return v.closer()
}

func (v *Vision) Analyze(ctx context.Context, data []byte, _ string) (*Result, error) {
	if v == nil || v.annotate == nil {
		return nil, errors.New("vision analyzer is not initialised")
	}
	content := data
	if thumb, _, err := imaging.Thumbnail(data, thumbnailMaxSide); err == nil {
		content = thumb
	}
	res, err := v.annotate(ctx, &pb.AnnotateImageRequest{
		Image: &pb.Image{Content: content},
		Features: []*pb.Feature{
			{Type: pb.Feature_LABEL_DETECTION, MaxResults: visionMaxLabels},
			{Type: pb.Feature_TEXT_DETECTION},
			{Type: pb.Feature_FACE_DETECTION},
			{Type: pb.Feature_IMAGE_PROPERTIES},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vision annotate: %w", err)
	}
	if res.GetError() != nil && res.GetError().GetMessage() != "" {
		return nil, fmt.Errorf("vision annotate: %s", res.GetError().GetMessage())
	}
	return visionResult(res), nil
}

func visionResult(res *pb.AnnotateImageResponse) *Result {
	result := &Result{Provider: ProviderVision}
	for _, label := range res.GetLabelAnnotations() {
		result.Labels = append(result.Labels, Label{Description: label.GetDescription(), Score: float64(label.GetScore())})
	}
	// 第一条文字标注是整段文本
	if texts := res.GetTextAnnotations(); len(texts) > 0 {
		result.Text = texts[0].GetDescription()
	}
	for _, face := range res.GetFaceAnnotations() {
		result.Faces = append(result.Faces, Face{
			Joy:      face.GetJoyLikelihood().String(),
			Sorrow:   face.GetSorrowLikelihood().String(),
			Anger:    face.GetAngerLikelihood().String(),
			Surprise: face.GetSurpriseLikelihood().String(),
		})
	}
	for _, info := range res.GetImagePropertiesAnnotation().GetDominantColors().GetColors() {
		c := info.GetColor()
		result.Colors = append(result.Colors, Color{
			Color: RGB{Red: float64(c.GetRed()), Green: float64(c.GetGreen()), Blue: float64(c.GetBlue())},
			Score: float64(info.GetScore()),
		})
	}
	return result
}

// Prompt 根据识别出的标签和文字拼出提示词，人脸只取第一张
func (v *Vision) Prompt(_ context.Context, result *Result) string {
	return HeuristicPrompt(result)
}

func likely(value string) bool {
	return value == pb.Likelihood_LIKELY.String() || value == pb.Likelihood_VERY_LIKELY.String()
}

func HeuristicPrompt(result *Result) string {
	if result == nil {
		return FallbackPrompt
	}
	var b strings.Builder
	b.WriteString("A beautiful artistic representation of")

	if len(result.Labels) > 0 {
		top := result.Labels
		if len(top) > 3 {
			top = top[:3]
		}
		names := make([]string, 0, len(top))
		for _, label := range top {
			names = append(names, strings.ToLower(label.Description))
		}
		b.WriteString(" ")
		b.WriteString(strings.Join(names, ", "))
	}

	if text := result.Text; text != "" {
		runes := []rune(text)
		if len(runes) > visionTextLimit {
			runes = runes[:visionTextLimit]
		}
		b.WriteString(` with text "` + string(runes) + `"`)
	}

	if len(result.Faces) > 0 {
		face := result.Faces[0]
		var emotions []string
		if likely(face.Joy) {
			emotions = append(emotions, "joyful")
		}
		if likely(face.Sorrow) {
			emotions = append(emotions, "melancholic")
		}
		if len(emotions) > 0 {
			fmt.Fprintf(&b, ", evoking a %s mood", strings.Join(emotions, " and "))
		}
	}

	b.WriteString(visionPromptEnd)
	return b.String()
}
