package ciphering

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cybroslabs/dlmsgate/base"
)

const (
	GCM_TAG_LENGTH     = 12
	SYSTEMTITLE_LENGTH = 8
)

type Settings struct {
	Suite             base.SecuritySuite
	EncryptionKey     []byte
	AuthenticationKey []byte
	ClientTitle       []byte
}

func (s *Settings) Validate() error {
	switch s.Suite {
	case base.SecuritySuite0:
		if len(s.EncryptionKey) != 16 {
			return fmt.Errorf("suite 0 needs 16 bytes encryption key, got %d", len(s.EncryptionKey))
		}
		if len(s.AuthenticationKey) != 16 {
			return fmt.Errorf("suite 0 needs 16 bytes authentication key, got %d", len(s.AuthenticationKey))
		}
	default:
		return fmt.Errorf("security suite %v is not supported", s.Suite)
	}
	if len(s.ClientTitle) != SYSTEMTITLE_LENGTH {
		return fmt.Errorf("client system title has to be %d bytes long", SYSTEMTITLE_LENGTH)
	}
	return nil
}

// Ciphering protects apdus of one association, it is not thread safe
type Ciphering interface {
	Setup(systemtitleS []byte) error
	ClientTitle() []byte
	ServerTitle() []byte
	Encrypt(sc byte, fc uint32, apdu []byte) ([]byte, error)
	Decrypt(sc byte, fc uint32, data []byte) ([]byte, error)
	Hash(sc byte, fc uint32, challenge []byte) ([]byte, error)
	Verify(sc byte, fc uint32, challenge []byte, tag []byte) (bool, error)
}

type cipheringnist struct {
	block        cipher.Block
	nist         cipher.AEAD
	ak           []byte
	iv           [12]byte
	systemtitleC []byte
	systemtitleS []byte
}

func New(settings *Settings) (Ciphering, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	cr, err := aes.NewCipher(settings.EncryptionKey)
	if err != nil {
		return nil, err
	}
	enc, err := cipher.NewGCMWithTagSize(cr, GCM_TAG_LENGTH)
	if err != nil {
		return nil, err
	}
	return &cipheringnist{
		block:        cr,
		nist:         enc,
		ak:           slices.Clone(settings.AuthenticationKey),
		systemtitleC: slices.Clone(settings.ClientTitle),
	}, nil
}

func (g *cipheringnist) Setup(systemtitleS []byte) error {
	if len(systemtitleS) != SYSTEMTITLE_LENGTH {
		return fmt.Errorf("systitle has to be %d bytes long", SYSTEMTITLE_LENGTH)
	}
	g.systemtitleS = slices.Clone(systemtitleS)
	return nil
}

func (g *cipheringnist) ClientTitle() []byte {
	return g.systemtitleC
}

func (g *cipheringnist) ServerTitle() []byte {
	return g.systemtitleS
}

func (g *cipheringnist) setiv(title []byte, fc uint32) []byte {
	copy(g.iv[:], title)
	binary.BigEndian.PutUint32(g.iv[8:], fc)
	return g.iv[:]
}

func (g *cipheringnist) aad(sc byte, extra ...[]byte) []byte {
	l := 1 + len(g.ak)
	for _, e := range extra {
		l += len(e)
	}
	aad := make([]byte, 0, l)
	aad = append(aad, sc)
	aad = append(aad, g.ak...)
	for _, e := range extra {
		aad = append(aad, e...)
	}
	return aad
}

// ctr is gcm keystream without authentication, counter starts at 2 as in gcm
func (g *cipheringnist) ctr(iv []byte, src []byte) []byte {
	var icb [aes.BlockSize]byte
	copy(icb[:], iv)
	icb[15] = 2
	dst := make([]byte, len(src))
	cipher.NewCTR(g.block, icb[:]).XORKeyStream(dst, src)
	return dst
}

func (g *cipheringnist) Encrypt(sc byte, fc uint32, apdu []byte) ([]byte, error) {
	return g.encryptinternal(sc, fc, g.systemtitleC, apdu)
}

func (g *cipheringnist) encryptinternal(sc byte, fc uint32, title []byte, apdu []byte) ([]byte, error) {
	if apdu == nil {
		return nil, fmt.Errorf("apdu is nil")
	}
	iv := g.setiv(title, fc)
	switch sc & 0x30 {
	case byte(base.SecurityAuthentication):
		tag := g.nist.Seal(nil, iv, nil, g.aad(sc, apdu))
		return append(slices.Clone(apdu), tag...), nil
	case byte(base.SecurityEncryption):
		return g.ctr(iv, apdu), nil
	case byte(base.SecurityAuthenticationEncryption):
		return g.nist.Seal(nil, iv, apdu, g.aad(sc)), nil
	}
	return nil, fmt.Errorf("unsupported security control byte: %02X", sc)
}

func (g *cipheringnist) Decrypt(sc byte, fc uint32, data []byte) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("apdu is nil")
	}
	if g.systemtitleS == nil {
		return nil, fmt.Errorf("server system title not set")
	}
	iv := g.setiv(g.systemtitleS, fc)
	switch sc & 0x30 {
	case byte(base.SecurityAuthentication):
		if len(data) < GCM_TAG_LENGTH {
			return nil, fmt.Errorf("too short ciphered data, no space for tag")
		}
		plain := data[:len(data)-GCM_TAG_LENGTH]
		if _, err := g.nist.Open(nil, iv, data[len(plain):], g.aad(sc, plain)); err != nil {
			return nil, fmt.Errorf("authentication tag mismatch: %w", err)
		}
		return slices.Clone(plain), nil
	case byte(base.SecurityEncryption):
		return g.ctr(iv, data), nil
	case byte(base.SecurityAuthenticationEncryption):
		if len(data) < GCM_TAG_LENGTH {
			return nil, fmt.Errorf("too short ciphered data, no space for tag")
		}
		plain, err := g.nist.Open(nil, iv, data, g.aad(sc))
		if err != nil {
			return nil, fmt.Errorf("authentication tag mismatch: %w", err)
		}
		return plain, nil
	}
	return nil, fmt.Errorf("scControl %02X not supported", sc)
}

// Hash is the hls gmac of the server challenge, computed with client title
func (g *cipheringnist) Hash(sc byte, fc uint32, challenge []byte) ([]byte, error) {
	return g.nist.Seal(nil, g.setiv(g.systemtitleC, fc), nil, g.aad(sc, challenge)), nil
}

// Verify checks the meter answer for our challenge, computed with server title
func (g *cipheringnist) Verify(sc byte, fc uint32, challenge []byte, tag []byte) (bool, error) {
	if g.systemtitleS == nil {
		return false, fmt.Errorf("server system title not set")
	}
	e := g.nist.Seal(nil, g.setiv(g.systemtitleS, fc), nil, g.aad(sc, challenge))
	return bytes.Equal(e, tag), nil
}
