package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// BlockLen is the AES block length used throughout the protocol.
const BlockLen = 16

// Session is an AES-CBC session context with the ciphertext-stealing
// variant of spec.md §4.5 for non-block-aligned payloads. A zero-value
// Session is not usable; construct one with NewSession.
type Session struct {
	block cipher.Block
}

// NewSession builds a Session from a raw AES key (16/24/32 bytes for
// AES-128/192/256).
func NewSession(key []byte) (*Session, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: new aes cipher: %w", err)
	}
	return &Session{block: block}, nil
}

// Encrypt implements wire.Cipher: it returns a 16-byte IV field followed
// by the ciphertext of p, using whichever of the three branches of
// spec.md §4.5 applies to len(p). For payloads shorter than a block the
// reference SDK's encrypt_buffer overwrites part of the IV itself with
// ciphertext output, so the transmitted IV field is not the random one
// generated here; encryptShort reports back whatever must actually be
// sent.
func (s *Session) Encrypt(p []byte) ([]byte, error) {
	iv, err := RandomBytes(BlockLen)
	if err != nil {
		return nil, err
	}
	outIV, ct, err := s.encryptWithIV(p, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(outIV)+len(ct))
	out = append(out, outIV...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt implements wire.Cipher: ivAndCiphertext is a 16-byte IV field
// followed by ciphertext; it returns the plaintext.
func (s *Session) Decrypt(ivAndCiphertext []byte) ([]byte, error) {
	if len(ivAndCiphertext) < BlockLen {
		return nil, fmt.Errorf("cryptutil: ciphertext shorter than IV: %d bytes", len(ivAndCiphertext))
	}
	iv := ivAndCiphertext[:BlockLen]
	ct := ivAndCiphertext[BlockLen:]
	return s.decryptWithIV(ct, iv)
}

// EncryptWithIV and DecryptWithIV expose the core transform for callers
// (the handshake) that already carry their own IV convention instead of
// wire's iv-prefixed envelope. EncryptWithIV also returns the IV field
// the caller must actually transmit, since the short-payload branch
// mutates it.
func (s *Session) EncryptWithIV(p, iv []byte) (outIV, ciphertext []byte, err error) {
	return s.encryptWithIV(p, iv)
}
func (s *Session) DecryptWithIV(c, iv []byte) ([]byte, error) { return s.decryptWithIV(c, iv) }

func (s *Session) encryptWithIV(p, iv []byte) (outIV, ciphertext []byte, err error) {
	n := len(p)
	switch {
	case n == 0:
		return iv, nil, nil
	case n < BlockLen:
		o, c := s.encryptShort(p, iv)
		return o, c, nil
	case n%BlockLen == 0:
		return iv, s.encryptAligned(p, iv), nil
	default:
		return iv, s.encryptStolen(p, iv), nil
	}
}

func (s *Session) decryptWithIV(c, iv []byte) ([]byte, error) {
	n := len(c)
	switch {
	case n == 0:
		return nil, nil
	case n < BlockLen:
		return s.decryptShort(c, iv), nil
	case n%BlockLen == 0:
		return s.decryptAligned(c, iv), nil
	default:
		return s.decryptStolen(c, iv)
	}
}

// encryptShort handles 0 < n < BlockLen, the degenerate case classic
// ciphertext stealing leaves undefined since there's no second block to
// steal from. It matches encrypt_buffer's dim<BLOCK_LEN branch: the
// 16-byte window b = iv[n:16] ++ (p xor iv[0:n]) is run through one raw
// block encryption to produce c; the transmitted IV field becomes
// iv[0:n] ++ c[0:16-n] (the trailing 16-n bytes of the IV are
// overwritten with ciphertext) and the transmitted payload is the
// remaining c[16-n:16].
func (s *Session) encryptShort(p, iv []byte) (outIV, ciphertext []byte) {
	n := len(p)
	b := make([]byte, BlockLen)
	copy(b, iv[n:])
	for i := 0; i < n; i++ {
		b[BlockLen-n+i] = p[i] ^ iv[i]
	}
	c := make([]byte, BlockLen)
	s.block.Encrypt(c, b)

	outIV = make([]byte, BlockLen)
	copy(outIV, iv[:n])
	copy(outIV[n:], c[:BlockLen-n])
	ciphertext = append([]byte(nil), c[BlockLen-n:]...)
	return outIV, ciphertext
}

// decryptShort inverts encryptShort. iv is the IV field as received
// (already carrying any bytes encryptShort overwrote), so iv[0:n] equals
// the sender's original random prefix and iv[n:16]++c reconstructs the
// single ciphertext block c_full encrypt_buffer produced.
func (s *Session) decryptShort(c, iv []byte) []byte {
	n := len(c)
	cFull := make([]byte, BlockLen)
	copy(cFull, iv[n:])
	copy(cFull[BlockLen-n:], c)

	b := make([]byte, BlockLen)
	s.block.Decrypt(b, cFull)

	p := make([]byte, n)
	for i := 0; i < n; i++ {
		p[i] = iv[i] ^ b[BlockLen-n+i]
	}
	return p
}

func (s *Session) encryptAligned(p, iv []byte) []byte {
	out := make([]byte, len(p))
	enc := cipher.NewCBCEncrypter(s.block, iv)
	enc.CryptBlocks(out, p)
	return out
}

func (s *Session) decryptAligned(c, iv []byte) []byte {
	out := make([]byte, len(c))
	dec := cipher.NewCBCDecrypter(s.block, iv)
	dec.CryptBlocks(out, c)
	return out
}

// encryptStolen implements AES-CBC-CTS for n > BlockLen, n not a multiple
// of BlockLen (spec.md §4.5, §9 "ciphertext stealing"), matching
// encrypt_buffer's len!=0 tail branch. Plaintext is split into
// fullBlocks-1 ordinary CBC blocks, one "penultimate" full block, and an
// r-byte tail (r = n % BlockLen). The penultimate block is CBC-encrypted
// as ctemp; the final block is built by XORing the tail into ctemp's
// first r bytes and keeping ctemp's remaining 16-r bytes verbatim, then
// encrypted directly with no further chaining XOR. ctemp's first r bytes
// are then moved to the end as the stolen, truncated tail.
func (s *Session) encryptStolen(p, iv []byte) []byte {
	n := len(p)
	r := n % BlockLen
	fullBlocks := n / BlockLen // count of complete blocks, including the penultimate one

	out := make([]byte, 0, n)
	chain := iv
	for i := 0; i < fullBlocks-1; i++ {
		block := p[i*BlockLen : (i+1)*BlockLen]
		c := make([]byte, BlockLen)
		xored := xorBlock(block, chain)
		s.block.Encrypt(c, xored)
		out = append(out, c...)
		chain = c
	}
	penultimateChain := chain // C[n-2], or iv if there was no preceding full block

	lastFull := p[(fullBlocks-1)*BlockLen : fullBlocks*BlockLen]
	tail := p[fullBlocks*BlockLen:]

	ctemp := make([]byte, BlockLen)
	s.block.Encrypt(ctemp, xorBlock(lastFull, penultimateChain))

	padded := make([]byte, BlockLen)
	for i := 0; i < r; i++ {
		padded[i] = tail[i] ^ ctemp[i]
	}
	copy(padded[r:], ctemp[r:])

	cfull := make([]byte, BlockLen)
	s.block.Encrypt(cfull, padded)

	out = append(out, cfull...)
	out = append(out, ctemp[:r]...)
	return out
}

// decryptStolen inverts encryptStolen: cfull is decrypted directly (no
// chain XOR) to recover padded, the stolen r bytes are XORed back out of
// ctrunc to recover the tail, and ctrunc++padded[r:] reconstructs ctemp
// for the final ordinary CBC step.
func (s *Session) decryptStolen(c, iv []byte) ([]byte, error) {
	n := len(c)
	r := n % BlockLen
	// Layout: [normal CBC blocks] [cfull: 16 bytes] [ctrunc: r bytes].
	if n < BlockLen+r {
		return nil, fmt.Errorf("cryptutil: stolen ciphertext too short: %d bytes", n)
	}
	normalLen := n - BlockLen - r
	if normalLen%BlockLen != 0 {
		return nil, fmt.Errorf("cryptutil: stolen ciphertext not block-aligned before the final pair")
	}

	out := make([]byte, 0, n)
	chain := iv
	for i := 0; i < normalLen/BlockLen; i++ {
		block := c[i*BlockLen : (i+1)*BlockLen]
		p := make([]byte, BlockLen)
		s.block.Decrypt(p, block)
		out = append(out, xorBlock(p, chain)...)
		chain = block
	}
	penultimateChain := chain

	cfull := c[normalLen : normalLen+BlockLen]
	ctrunc := c[normalLen+BlockLen:]

	padded := make([]byte, BlockLen)
	s.block.Decrypt(padded, cfull)

	tail := xorBlock(padded[:r], ctrunc)
	ctempTail := padded[r:]
	ctempFull := append(append([]byte{}, ctrunc...), ctempTail...)

	dtemp := make([]byte, BlockLen)
	s.block.Decrypt(dtemp, ctempFull)
	lastFull := xorBlock(dtemp, penultimateChain)

	out = append(out, lastFull...)
	out = append(out, tail...)
	return out, nil
}

func xorBlock(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}
