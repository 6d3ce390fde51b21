package nodeinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInfo() *NodeInfo {
	return &NodeInfo{
		Software:  Software{Name: "weft", Version: "1.0.0"},
		Protocols: []string{"activitypub"},
		Usage: Usage{
			Users: Users{Total: 1, ActiveMonth: 1, ActiveHalfyear: 1},
		},
	}
}

func TestValidateOK(t *testing.T) {
	info := validInfo()
	require.NoError(t, info.Validate())

	info.Software.Version = "2.1.0-rc.1+build.5"
	assert.NoError(t, info.Validate())
}

func TestValidateInvalidSoftwareName(t *testing.T) {
	info := validInfo()
	info.Software.Name = "INVALID-NAME"
	err := info.Validate()
	require.ErrorIs(t, err, ErrInvalidNodeInfo)
	assert.Contains(t, err.Error(), "invalid software name")
}

func TestValidateInvalidVersion(t *testing.T) {
	info := validInfo()
	for _, v := range []string{"", "1.0", "v1.0.0", "01.0.0", "1.0.0.0"} {
		info.Software.Version = v
		assert.ErrorIs(t, info.Validate(), ErrInvalidNodeInfo, "version %q", v)
	}
}

func TestValidateEmptyProtocols(t *testing.T) {
	info := validInfo()
	info.Protocols = nil
	assert.ErrorIs(t, info.Validate(), ErrInvalidNodeInfo)
}

func TestValidateNegativeCounts(t *testing.T) {
	info := validInfo()
	info.Usage.Users.Total = -1
	assert.ErrorIs(t, info.Validate(), ErrInvalidNodeInfo)

	info = validInfo()
	info.Usage.LocalPosts = -5
	assert.ErrorIs(t, info.Validate(), ErrInvalidNodeInfo)
}

func TestNormalize(t *testing.T) {
	info := &NodeInfo{}
	info.Normalize()
	assert.Equal(t, SchemaVersion, info.Version)
	assert.NotNil(t, info.Protocols)
	assert.NotNil(t, info.Services.Inbound)
	assert.NotNil(t, info.Services.Outbound)
	assert.NotNil(t, info.Metadata)
}

func TestNewPointer(t *testing.T) {
	p := NewPointer("https://example.com/nodeinfo/2.1")
	require.Len(t, p.Links, 1)
	assert.Equal(t, Schema21, p.Links[0].Rel)
	assert.Equal(t, "https://example.com/nodeinfo/2.1", p.Links[0].Href)
}
