package runspace

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // RSA-OAEP/SHA-1 matches .NET RSACryptoServiceProvider's default for this exchange, per MS-PSRP 2.2.2.6.
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/smnsjas/psrpcore-go/serialization"
)

// rsaKeyBits is the RSA modulus size used for the MS-PSRP session-key
// exchange (MS-PSRP 2.2.2.6/2.2.2.15). The spec does not mandate a size;
// 2048 bits matches what .NET's RSACryptoServiceProvider defaults to.
const rsaKeyBits = 2048

// aesKeyBytes is the negotiated session key size, AES-256.
const aesKeyBytes = 32

// GenerateKeyPair creates the RSA key pair a client presents to the server
// during the PUBLIC_KEY exchange.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key pair: %w", err)
	}
	return key, nil
}

// EncodePublicKey renders pub as the base64 PKCS#1 DER blob a PUBLIC_KEY
// message carries.
func EncodePublicKey(pub *rsa.PublicKey) []byte {
	der := x509.MarshalPKCS1PublicKey(pub)
	return []byte(base64.StdEncoding.EncodeToString(der))
}

// DecodePublicKey parses the base64 PKCS#1 DER blob a PUBLIC_KEY message
// carries.
func DecodePublicKey(encoded []byte) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode public key base64: %w", err)
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// GenerateSessionKey creates a random AES-256 session key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, aesKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// EncryptSessionKey wraps key under pub using RSA-OAEP/SHA-1, the payload
// shape ENCRYPTED_SESSION_KEY carries.
func EncryptSessionKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt session key: %w", err)
	}
	return ciphertext, nil
}

// DecryptSessionKey recovers the AES session key RSA-OAEP-encrypted under
// priv's public half.
func DecryptSessionKey(priv *rsa.PrivateKey, blob []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt session key: %w", err)
	}
	return key, nil
}

// AESCryptoProvider implements serialization.EncryptionProvider with
// AES-CBC/PKCS#7 and a random IV prepended to the ciphertext, per MS-PSRP
// 2.2.5.1.7's SecureString wire format. Encrypt and Decrypt return
// serialization.ErrCryptoUnavailable until RegisterSessionKey has armed the
// provider with a session key negotiated via Pool.ExchangeKey.
type AESCryptoProvider struct {
	mu  sync.Mutex
	key []byte
}

// NewAESCryptoProvider returns an unarmed provider.
func NewAESCryptoProvider() *AESCryptoProvider {
	return &AESCryptoProvider{}
}

// RegisterSessionKey arms the provider with a negotiated AES-256 session key.
func (c *AESCryptoProvider) RegisterSessionKey(key []byte) error {
	if len(key) != aesKeyBytes {
		return fmt.Errorf("session key must be %d bytes, got %d", aesKeyBytes, len(key))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = append([]byte(nil), key...)
	return nil
}

func (c *AESCryptoProvider) armedKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Encrypt pads data with PKCS#7, encrypts it with AES-CBC under a fresh
// random IV, and returns iv||ciphertext.
func (c *AESCryptoProvider) Encrypt(data []byte) ([]byte, error) {
	key := c.armedKey()
	if key == nil {
		return nil, serialization.ErrCryptoUnavailable
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}

	padded := pkcs7Pad(data, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return append(iv, ciphertext...), nil
}

// Decrypt reverses Encrypt: it splits iv||ciphertext, decrypts, and strips
// the PKCS#7 padding.
func (c *AESCryptoProvider) Decrypt(data []byte) ([]byte, error) {
	key := c.armedKey()
	if key == nil {
		return nil, serialization.ErrCryptoUnavailable
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	blockSize := block.BlockSize()
	if len(data) < blockSize || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", serialization.ErrInvalidCLIXML)
	}

	iv, ciphertext := data[:blockSize], data[blockSize:]
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", serialization.ErrInvalidCLIXML)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", serialization.ErrInvalidCLIXML)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("%w: invalid PKCS#7 padding", serialization.ErrInvalidCLIXML)
	}
	return data[:len(data)-padLen], nil
}

// publicKeyPayload builds the CLIXML body of a PUBLIC_KEY message.
func publicKeyPayload(pub *rsa.PublicKey) []byte {
	return []byte(fmt.Sprintf(`<Obj RefId="0"><MS><S N="PublicKey">%s</S></MS></Obj>`, EncodePublicKey(pub)))
}

// encryptedSessionKeyPayload builds the CLIXML body of an
// ENCRYPTED_SESSION_KEY message.
func encryptedSessionKeyPayload(blob []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(blob)
	return []byte(fmt.Sprintf(`<Obj RefId="0"><MS><S N="EncryptedSessionKey">%s</S></MS></Obj>`, encoded))
}

// parsePublicKeyPayload extracts the base64 public key blob from a
// PUBLIC_KEY message's CLIXML data.
func parsePublicKeyPayload(data []byte) ([]byte, error) {
	deser := serialization.NewDeserializer()
	objs, err := deser.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize public key: %w", err)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("no object in PUBLIC_KEY payload")
	}
	psObj, ok := objs[0].(*serialization.PSObject)
	if !ok {
		return nil, fmt.Errorf("PUBLIC_KEY payload is not a PSObject, got %T", objs[0])
	}
	encoded, ok := psObj.Properties["PublicKey"].(string)
	if !ok {
		return nil, fmt.Errorf("PUBLIC_KEY payload missing PublicKey property")
	}
	return []byte(encoded), nil
}

// parseEncryptedSessionKeyPayload extracts the encrypted session key blob
// from an ENCRYPTED_SESSION_KEY message's CLIXML data.
func parseEncryptedSessionKeyPayload(data []byte) ([]byte, error) {
	deser := serialization.NewDeserializer()
	objs, err := deser.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize encrypted session key: %w", err)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("no object in ENCRYPTED_SESSION_KEY payload")
	}
	psObj, ok := objs[0].(*serialization.PSObject)
	if !ok {
		return nil, fmt.Errorf("ENCRYPTED_SESSION_KEY payload is not a PSObject, got %T", objs[0])
	}
	encoded, ok := psObj.Properties["EncryptedSessionKey"].(string)
	if !ok {
		return nil, fmt.Errorf("ENCRYPTED_SESSION_KEY payload missing EncryptedSessionKey property")
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted session key base64: %w", err)
	}
	return blob, nil
}
