package bounty

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatEther(t *testing.T) {
	tests := []struct {
		name string
		wei  *big.Int
		want string
	}{
		{"nil", nil, "0.0"},
		{"zero", big.NewInt(0), "0.0"},
		{"half", big.NewInt(500000000000000000), "0.5"},
		{"one", new(big.Int).Set(weiPerEther), "1.0"},
		{"oracle fee", big.NewInt(100000000000), "0.0000001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatEther(tt.wei))
		})
	}
}

func TestParseEther(t *testing.T) {
	wei, err := ParseEther("0.5")
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", wei.String())

	wei, err = ParseEther(" 2 ")
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000", wei.String())

	_, err = ParseEther("")
	assert.Error(t, err)

	_, err = ParseEther("abc")
	assert.Error(t, err)

	_, err = ParseEther("0.0000000000000000001")
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	score := uint8(7)
	b := Bounty{
		ID:     1,
		Reward: big.NewInt(10),
		Submissions: []Submission{
			{BountyID: 1, Submitter: "0xabc", Status: StatusAccepted, Score: &score},
		},
	}

	c := b.Clone()
	c.Reward.SetInt64(99)
	*c.Submissions[0].Score = 1
	c.Submissions[0].Status = StatusRejected

	assert.Equal(t, int64(10), b.Reward.Int64())
	assert.Equal(t, uint8(7), *b.Submissions[0].Score)
	assert.Equal(t, StatusAccepted, b.Submissions[0].Status)
}

func TestFindSubmissionIgnoresAddressCase(t *testing.T) {
	addr := "0x52908400098527886E0F7030069857D2E4169EE7"
	b := Bounty{Submissions: []Submission{{Submitter: addr}}}

	idx, ok := b.FindSubmission("0x52908400098527886e0f7030069857d2e4169ee7")
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	_, ok = b.FindSubmission("0x0000000000000000000000000000000000000001")
	assert.False(t, ok)
}

func TestStatus(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusAccepted.IsTerminal())
	assert.True(t, StatusRejected.IsTerminal())
	assert.Equal(t, StatusAccepted, StatusFromVerdict(true))
	assert.Equal(t, StatusRejected, StatusFromVerdict(false))
	assert.True(t, ValidScore(10))
	assert.False(t, ValidScore(11))
}

func TestZeroAddress(t *testing.T) {
	assert.True(t, IsZeroAddress("0x0000000000000000000000000000000000000000"))
	assert.False(t, IsZeroAddress("0x0000000000000000000000000000000000000001"))
	assert.False(t, IsZeroAddress(""))

	b := Bounty{Winner: "0x0000000000000000000000000000000000000000"}
	assert.False(t, b.HasWinner())
}
