package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierForCompleteness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  QualityTier
	}{
		{0, QualityMinimal},
		{39.99, QualityMinimal},
		{40, QualityModerate},
		{69.9, QualityModerate},
		{70, QualityHigh},
		{89.99, QualityHigh},
		{90, QualityExcellent},
		{100, QualityExcellent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierForCompleteness(tt.score), "score %v", tt.score)
	}
}

func TestQualityTier_Ordering(t *testing.T) {
	t.Parallel()
	assert.Less(t, QualityMinimal, QualityModerate)
	assert.Less(t, QualityModerate, QualityHigh)
	assert.Less(t, QualityHigh, QualityExcellent)
}

func TestQualityTier_JSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(struct {
		Tier QualityTier `json:"tier"`
	}{QualityHigh})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"high"}`, string(b))

	var out struct {
		Tier QualityTier `json:"tier"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tier":"excellent"}`), &out))
	assert.Equal(t, QualityExcellent, out.Tier)

	err = json.Unmarshal([]byte(`{"tier":"legendary"}`), &out)
	assert.Error(t, err)
}

func TestParseDepth(t *testing.T) {
	t.Parallel()

	d, err := ParseDepth("deep")
	require.NoError(t, err)
	assert.Equal(t, DepthDeep, d)

	_, err = ParseDepth("medium")
	assert.Error(t, err)
}

func TestParseFieldKey(t *testing.T) {
	t.Parallel()

	k, ok := ParseFieldKey("  CNPJ ")
	assert.True(t, ok)
	assert.Equal(t, FieldCNPJ, k)

	_, ok = ParseFieldKey("favorite_color")
	assert.False(t, ok)
}

func TestExpectedFieldCount_MatchesSchema(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 16, ExpectedFieldCount)
	assert.Len(t, FieldKeys, ExpectedFieldCount)
	assert.Len(t, fieldIndex, ExpectedFieldCount, "field keys must be unique")
}

func TestFields_Compact(t *testing.T) {
	t.Parallel()

	f := Fields{
		FieldName:        "  Acme  ",
		FieldPhone:       "",
		FieldCity:        "   ",
		FieldKey("nope"): "x",
	}
	got := f.Compact()
	assert.Equal(t, Fields{FieldName: "Acme"}, got)
}

func TestFields_KeysSchemaOrder(t *testing.T) {
	t.Parallel()

	f := Fields{FieldLogoURL: "a", FieldName: "b", FieldCNPJ: "c"}
	assert.Equal(t, []FieldKey{FieldName, FieldCNPJ, FieldLogoURL}, f.Keys())
}

func TestMergedRecord_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	r := &MergedRecord{
		Key:             "acme.com",
		Fields:          Fields{FieldName: "Acme"},
		FieldProvenance: map[FieldKey]string{FieldName: "website"},
		Contributors:    map[string]float64{"website": 0.7},
		SourcesCalled:   []SourceCall{{Source: "website"}},
	}
	c := r.Clone()
	c.Fields[FieldName] = "Other"
	c.FieldProvenance[FieldName] = "x"
	c.Contributors["x"] = 1
	c.SourcesCalled[0].Source = "x"

	assert.Equal(t, "Acme", r.Fields[FieldName])
	assert.Equal(t, "website", r.FieldProvenance[FieldName])
	assert.Len(t, r.Contributors, 1)
	assert.Equal(t, "website", r.SourcesCalled[0].Source)

	var nilRec *MergedRecord
	assert.Nil(t, nilRec.Clone())
}

func TestCacheEntry_Expired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := CacheEntry{ExpiresAt: now}
	assert.True(t, e.Expired(now))
	assert.False(t, e.Expired(now.Add(-time.Second)))
}
