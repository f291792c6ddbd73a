package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/clinical-extract/pkg/types"
)

const fencedJSON = "```json\n" + `{
  "extractions": [
    {"症状": "胸痛伴出汗", "症状_attributes": {"持续时间": "2小时", "诱因": null}},
    {"体征": "BP 150/95 mmHg", "体征_attributes": {"收缩压": 150, "舒张压": "95"}},
    {"诊断": "急性下壁心肌梗死"}
  ]
}` + "\n```"

func TestResolveFencedJSON(t *testing.T) {
	exts, err := Resolve(fencedJSON, types.FormatJSON)
	require.NoError(t, err)
	require.Len(t, exts, 3)

	assert.Equal(t, "症状", exts[0].Class)
	assert.Equal(t, "胸痛伴出汗", exts[0].Text)
	assert.Equal(t, map[string]any{"持续时间": "2小时"}, exts[0].Attributes, "null values are dropped")
	assert.Equal(t, 1, exts[0].ExtractionIndex)
	assert.Equal(t, 0, exts[0].GroupIndex)

	assert.Equal(t, "150", exts[1].Attributes["收缩压"], "numbers are stringified")
	assert.Equal(t, 2, exts[1].ExtractionIndex)
	assert.Equal(t, 1, exts[1].GroupIndex)

	assert.Nil(t, exts[2].Attributes)
	assert.Nil(t, exts[2].CharInterval)
	assert.Equal(t, 3, exts[2].ExtractionIndex)
}

func TestResolveUnfencedAndProse(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bare object", `{"extractions":[{"诊断":"心梗"}]}`},
		{"prose around object", `Here is the result: {"extractions":[{"诊断":"心梗"}]} hope it helps`},
		{"fence after prose", "Result:\n```\n{\"extractions\":[{\"诊断\":\"心梗\"}]}\n```\nDone."},
		{"bare list", `[{"诊断":"心梗"}]`},
		{"braces in trailing prose", "Here you go: {\"extractions\":[{\"诊断\":\"心梗\"}]}\nNote: values use {unit} placeholders."},
		{"bracket note before object", `[draft] {"extractions":[{"诊断":"心梗"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exts, err := Resolve(tt.content, types.FormatJSON)
			require.NoError(t, err)
			require.Len(t, exts, 1)
			assert.Equal(t, "诊断", exts[0].Class)
			assert.Equal(t, "心梗", exts[0].Text)
		})
	}
}

func TestResolveYAML(t *testing.T) {
	content := "```yaml\nextractions:\n  - 用药/治疗: 阿司匹林300mg嚼服\n    用药/治疗_attributes:\n      药物: 阿司匹林\n      剂量: 300mg\n  - 用药/治疗: 硝酸甘油静脉泵入\n```"

	exts, err := Resolve(content, types.FormatYAML)
	require.NoError(t, err)
	require.Len(t, exts, 2)
	assert.Equal(t, "阿司匹林300mg嚼服", exts[0].Text)
	assert.Equal(t, "300mg", exts[0].Attributes["剂量"])
	assert.Equal(t, 1, exts[1].GroupIndex)
}

func TestResolveYAMLFallbackForJSONFormat(t *testing.T) {
	exts, err := Resolve("extractions:\n  - 诊断: 心梗\n", types.FormatJSON)
	require.NoError(t, err)
	require.Len(t, exts, 1)
}

func TestResolveAttributeListMerged(t *testing.T) {
	content := `{"extractions":[{"用药/治疗":"阿司匹林、替格瑞洛","用药/治疗_attributes":[{"药物":"阿司匹林"},{"药物":"替格瑞洛","途径":"负荷"}]}]}`

	exts, err := Resolve(content, types.FormatJSON)
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, []string{"阿司匹林", "替格瑞洛"}, exts[0].Attributes["药物"])
	assert.Equal(t, "负荷", exts[0].Attributes["途径"])
}

func TestResolveMultipleClassesInOneItem(t *testing.T) {
	content := `{"extractions":[{"诊断":"心梗","症状":"胸痛","症状_attributes":{"程度":"剧烈"}}]}`

	exts, err := Resolve(content, types.FormatJSON)
	require.NoError(t, err)
	require.Len(t, exts, 2)
	// Keys are visited in sorted order.
	assert.Equal(t, "症状", exts[0].Class)
	assert.Equal(t, "剧烈", exts[0].Attributes["程度"])
	assert.Equal(t, "诊断", exts[1].Class)
	assert.Equal(t, 0, exts[1].GroupIndex)
	assert.Equal(t, 2, exts[1].ExtractionIndex)
}

func TestResolveSkipsEmptyText(t *testing.T) {
	exts, err := Resolve(`{"extractions":[{"诊断":"  "},{"症状":"胸痛"}]}`, types.FormatJSON)
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.Equal(t, 1, exts[0].ExtractionIndex)
	assert.Equal(t, 1, exts[0].GroupIndex)
}

func TestResolveNullExtractions(t *testing.T) {
	exts, err := Resolve(`{"extractions":null}`, types.FormatJSON)
	require.NoError(t, err)
	assert.Empty(t, exts)
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		target  error
	}{
		{"empty", "   ", ErrEmptyOutput},
		{"plain prose", "I could not find anything.", ErrMalformedOutput},
		{"missing key", `{"items":[]}`, ErrMalformedOutput},
		{"extractions not a list", `{"extractions":{"诊断":"心梗"}}`, ErrMalformedOutput},
		{"item not a mapping", `{"extractions":["心梗"]}`, ErrMalformedOutput},
		{"text is object", `{"extractions":[{"诊断":{"名称":"心梗"}}]}`, ErrMalformedOutput},
		{"attributes are string", `{"extractions":[{"诊断":"心梗","诊断_attributes":"初步"}]}`, ErrMalformedOutput},
		{"orphan attributes", `{"extractions":[{"诊断_attributes":{"性质":"初步"}}]}`, ErrMalformedOutput},
		{"nested attribute value", `{"extractions":[{"诊断":"心梗","诊断_attributes":{"部位":{"a":"b"}}}]}`, ErrMalformedOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.content, types.FormatJSON)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("```\n{\"a\":1}"))
	assert.Equal(t, "", stripCodeFences(`{"a":1}`))
	assert.Equal(t, "", stripCodeFences("```json"))
}

func TestExtractJSONCandidate(t *testing.T) {
	assert.Equal(t, `{"a":[1]}`, extractJSONCandidate(`x {"a":[1]} y`))
	assert.Equal(t, `[{"a":1}]`, extractJSONCandidate(`x [{"a":1}] y`))
	assert.Equal(t, "", extractJSONCandidate("no json"))
	assert.Equal(t, `{"extractions":[{"诊断":"心梗"}]}`,
		extractJSONCandidate("Here you go: {\"extractions\":[{\"诊断\":\"心梗\"}]}\nNote: values use {unit} placeholders."))
	assert.Equal(t, `{"a":"}"}`, extractJSONCandidate(`{"a":"}"} and {b}`), "braces inside strings do not end the value")
	assert.Equal(t, `{"a":1}`, extractJSONCandidate(`[note] {"a":1} [end]`))
	assert.Equal(t, `{"a": {unit}`, extractJSONCandidate(`{"a": {unit} x`), "undecodable input falls back to the last close")
}
