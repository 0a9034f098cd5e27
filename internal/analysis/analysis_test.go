package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"petportrait/internal/llm"

	pb "google.golang.org/genproto/googleapis/cloud/vision/v1"
	colorpb "google.golang.org/genproto/googleapis/type/color"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{name: "纯 JSON", text: `{"a":1}`, want: `{"a":1}`, wantOK: true},
		{name: "前后有说明文字", text: "Sure!\n```json\n{\"a\":{\"b\":2}}\n``` done", want: `{"a":{"b":2}}`, wantOK: true},
		{name: "字符串中包含括号", text: `x {"text":"a } b { c","n":1} {"later":true}`, want: `{"text":"a } b { c","n":1}`, wantOK: true},
		{name: "转义引号", text: `{"t":"say \"}\""}`, want: `{"t":"say \"}\""}`, wantOK: true},
		{name: "未闭合后跟完整块", text: `{ broken {"ok":1}`, want: `{"ok":1}`, wantOK: true},
		{name: "没有 JSON", text: "no json here", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSONObject(tt.text)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("got (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseResultFallsBackToDescription(t *testing.T) {
	raw := strings.Repeat("x", 700)
	result := parseResult(raw)
	if len(result.Description) != rawDescriptionMax || result.Labels != nil {
		t.Fatalf("unexpected fallback result %+v", result)
	}
	parsed := parseResult(`Here: {"labels":[{"description":"Dog","score":0.9}],"mood":"calm"}`)
	if len(parsed.Labels) != 1 || parsed.Labels[0].Description != "Dog" || parsed.Mood != "calm" {
		t.Fatalf("unexpected parsed result %+v", parsed)
	}
}

func TestHeuristicPrompt(t *testing.T) {
	tests := []struct {
		name   string
		result *Result
		want   string
	}{
		{
			name: "标签文字与情绪",
			result: &Result{
				Labels: []Label{{Description: "Dog"}, {Description: "Pet"}, {Description: "Grass"}, {Description: "Sky"}},
				Text:   strings.Repeat("a", 60),
				Faces:  []Face{{Joy: "VERY_LIKELY", Sorrow: "LIKELY"}},
			},
			want: `A beautiful artistic representation of dog, pet, grass with text "` + strings.Repeat("a", 50) + `", evoking a joyful and melancholic mood, digital art, highly detailed, 4k, trending on artstation`,
		},
		{
			name:   "没有识别结果",
			result: &Result{},
			want:   "A beautiful artistic representation of, digital art, highly detailed, 4k, trending on artstation",
		},
		{
			name:   "情绪不明显",
			result: &Result{Labels: []Label{{Description: "Cat"}}, Faces: []Face{{Joy: "POSSIBLE"}}},
			want:   "A beautiful artistic representation of cat, digital art, highly detailed, 4k, trending on artstation",
		},
		{name: "空结果", result: nil, want: FallbackPrompt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HeuristicPrompt(tt.result); got != tt.want {
				t.Fatalf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestVisionAnalyze(t *testing.T) {
	var got *pb.AnnotateImageRequest
	v := &Vision{annotate: func(_ context.Context, req *pb.AnnotateImageRequest) (*pb.AnnotateImageResponse, error) {
		got = req
		return &pb.AnnotateImageResponse{
			LabelAnnotations: []*pb.EntityAnnotation{{Description: "Dog", Score: 0.97}},
			TextAnnotations:  []*pb.EntityAnnotation{{Description: "GOOD BOY"}, {Description: "GOOD"}},
			FaceAnnotations:  []*pb.FaceAnnotation{{JoyLikelihood: pb.Likelihood_LIKELY}},
			ImagePropertiesAnnotation: &pb.ImageProperties{DominantColors: &pb.DominantColorsAnnotation{
				Colors: []*pb.ColorInfo{{Color: &colorpb.Color{Red: 200, Green: 100, Blue: 50}, Score: 0.5}},
			}},
		}, nil
	}}
	result, err := v.Analyze(context.Background(), []byte("raw"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Features) != 4 || string(got.Image.Content) != "raw" {
		t.Fatalf("unexpected request %+v", got)
	}
	if result.Text != "GOOD BOY" || result.Faces[0].Joy != "LIKELY" || result.Colors[0].Color.Red != 200 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(v.Prompt(context.Background(), result), "evoking a joyful mood") {
		t.Fatal("expected joyful mood in prompt")
	}
}

type fakeGemini struct {
	replies []string
	err     error
	calls   int
}

func (f *fakeGemini) GenerateContent(_ context.Context, _ string, parts []llm.GeminiPart, _ *llm.GeminiGenerationConfig) (*llm.GeminiReply, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return &llm.GeminiReply{Text: reply}, nil
}

func TestGeminiAnalyzeAndPrompt(t *testing.T) {
	fake := &fakeGemini{replies: []string{
		"```json\n{\"labels\":[{\"description\":\"Cat\",\"score\":0.9}],\"style\":\"photo\"}\n```",
		"  An oil portrait of a cat  ",
	}}
	g := &Gemini{client: fake, model: "m"}
	result, err := g.Analyze(context.Background(), []byte("not-decodable"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if result.Style != "photo" || result.Provider != ProviderGemini || result.Model != "m" {
		t.Fatalf("unexpected result %+v", result)
	}
	if prompt := g.Prompt(context.Background(), result); prompt != "An oil portrait of a cat" {
		t.Fatalf("unexpected prompt %q", prompt)
	}

	failing := &Gemini{client: &fakeGemini{err: errors.New("boom")}, model: "m"}
	if prompt := failing.Prompt(context.Background(), result); prompt != FallbackPrompt {
		t.Fatalf("expected fallback prompt, got %q", prompt)
	}
	if _, err := failing.Analyze(context.Background(), []byte("x"), "image/png"); err == nil {
		t.Fatal("expected analyze error")
	}
}

func TestNoneAnalyzer(t *testing.T) {
	var a Analyzer = None{}
	result, err := a.Analyze(context.Background(), nil, "")
	if err != nil || result.Provider != ProviderNone {
		t.Fatalf("unexpected result %+v %v", result, err)
	}
	if a.Prompt(context.Background(), result) != FallbackPrompt {
		t.Fatal("none analyzer must return the fallback prompt")
	}
	if m := (&Result{Labels: []Label{{Description: "Dog"}}}).ToMap(); m == nil || m["labels"] == nil {
		t.Fatalf("unexpected map %v", m)
	}
}
