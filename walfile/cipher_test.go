package walfile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(uint32) ([]byte, error) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key, nil
}

func TestChaChaCipher_Round_Trip(t *testing.T) {
	c := ChaChaCipher{Keys: testKeys}
	h := BlockHeader{BlockNo: 5, DataLen: 31}

	payload := []byte("secret log record payload bytes")
	plain := append([]byte(nil), payload...)

	require.NoError(t, c.Encrypt(payload, h, 1))
	assert.False(t, bytes.Equal(plain, payload))

	require.NoError(t, c.Decrypt(payload, h, 1))
	assert.Equal(t, plain, payload)
}

func TestChaChaCipher_Block_Number_Changes_Ciphertext(t *testing.T) {
	c := ChaChaCipher{Keys: testKeys}

	a := []byte("identical payload")
	b := []byte("identical payload")

	require.NoError(t, c.Encrypt(a, BlockHeader{BlockNo: 1, DataLen: 17}, 1))
	require.NoError(t, c.Encrypt(b, BlockHeader{BlockNo: 2, DataLen: 17}, 1))

	assert.NotEqual(t, a, b)
}

func TestChaChaCipher_Rewriting_A_Block_With_More_Data_Changes_The_Keystream(t *testing.T) {
	c := ChaChaCipher{Keys: testKeys}

	// the same block rewritten with a longer payload must not reuse the
	// keystream on the unchanged prefix, or the two disk states would leak
	// their XOR
	a := []byte("identical payload")
	b := []byte("identical payload")

	require.NoError(t, c.Encrypt(a, BlockHeader{BlockNo: 1, DataLen: 100}, 1))
	require.NoError(t, c.Encrypt(b, BlockHeader{BlockNo: 1, DataLen: 200}, 1))

	assert.NotEqual(t, a, b)
}

func TestNopCipher_Leaves_Payload_Untouched(t *testing.T) {
	payload := []byte("plain")
	require.NoError(t, NopCipher{}.Encrypt(payload, BlockHeader{BlockNo: 1}, 0))
	assert.Equal(t, []byte("plain"), payload)
}
