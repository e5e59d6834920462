package ipoverdns

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/HouzuoGuo/ipoverdns/datastruct"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const (
	// LoginNonceLen is the length of the random nonce at the beginning of a LOGIN payload.
	LoginNonceLen = 8
	// LoginMACLen is the length of the message authentication code that follows the nonce.
	LoginMACLen = 16
	// LoginPayloadLen is the length of a LOGIN request payload.
	LoginPayloadLen = LoginNonceLen + LoginMACLen
	// LoginReplyLen is the length of a LOGIN reply payload carrying the tunnel addresses.
	LoginReplyLen = 4 + 1 + 16 + 1
	// MagicKeyDerivationInfo is the info parameter of the login key derivation.
	MagicKeyDerivationInfo = "ipoverdns-login"
	// NumRecentNonces is the number of login nonces remembered to detect replays.
	NumRecentNonces = 1024
)

// LoginVerifier authenticates LOGIN requests with a password shared between
// the client and server.
type LoginVerifier struct {
	id           Identifier
	key          []byte
	recentNonces *datastruct.LeastRecentlyUsedBuffer[loginNonce]
}

type loginNonce struct {
	user  UserIndex
	nonce [LoginNonceLen]byte
}

// NewLoginVerifier derives the login key from the password.
func NewLoginVerifier(password string, id Identifier) (*LoginVerifier, error) {
	if password == "" {
		return nil, errors.New("NewLoginVerifier: password must not be empty")
	}
	key := make([]byte, blake2b.Size256)
	keyDerivation := hkdf.New(sha256.New, []byte(password), id[:], []byte(MagicKeyDerivationInfo))
	if _, err := io.ReadFull(keyDerivation, key); err != nil {
		return nil, err
	}
	return &LoginVerifier{
		id:           id,
		key:          key,
		recentNonces: datastruct.NewLeastRecentlyUsedBuffer[loginNonce](NumRecentNonces),
	}, nil
}

// MAC returns the message authentication code of a user's login nonce.
func (verifier *LoginVerifier) MAC(user UserIndex, nonce [LoginNonceLen]byte) []byte {
	mac, err := blake2b.New(LoginMACLen, verifier.key)
	if err != nil {
		// Only an oversized key or digest size fails, both are constant.
		panic(err)
	}
	mac.Write(verifier.id[:])
	mac.Write([]byte{byte(user)})
	mac.Write(nonce[:])
	return mac.Sum(nil)
}

// Payload returns the LOGIN request payload of the user with the nonce.
func (verifier *LoginVerifier) Payload(user UserIndex, nonce [LoginNonceLen]byte) []byte {
	return append(nonce[:], verifier.MAC(user, nonce)...)
}

// Verify checks the LOGIN request payload of the user. A nonce may only be
// used once.
func (verifier *LoginVerifier) Verify(user UserIndex, payload []byte) error {
	if len(payload) != LoginPayloadLen {
		return fmt.Errorf("LoginVerifier.Verify: %w - payload is %d bytes long", ErrLoginFailed, len(payload))
	}
	var nonce [LoginNonceLen]byte
	copy(nonce[:], payload[:LoginNonceLen])
	if subtle.ConstantTimeCompare(verifier.MAC(user, nonce), payload[LoginNonceLen:]) != 1 {
		return fmt.Errorf("LoginVerifier.Verify: %w - incorrect MAC", ErrLoginFailed)
	}
	if alreadyPresent, _, _ := verifier.recentNonces.Add(loginNonce{user: user, nonce: nonce}); alreadyPresent {
		return fmt.Errorf("LoginVerifier.Verify: %w - nonce has been used", ErrLoginFailed)
	}
	return nil
}

// EncodeLoginReply returns the LOGIN reply payload that tells the client its
// tunnel addresses. An absent address is encoded as zeros.
func EncodeLoginReply(sess *Session) []byte {
	ret := make([]byte, LoginReplyLen)
	if sess.TunnelAddr.Is4() {
		addr := sess.TunnelAddr.As4()
		copy(ret[0:4], addr[:])
		ret[4] = byte(sess.TunnelPrefix)
	}
	if sess.TunnelAddr6.Is6() {
		addr := sess.TunnelAddr6.As16()
		copy(ret[5:21], addr[:])
		ret[21] = byte(sess.TunnelPrefix6)
	}
	return ret
}

// DecodeLoginReply decodes the tunnel addresses from a LOGIN reply payload.
func DecodeLoginReply(payload []byte) (addr netip.Prefix, addr6 netip.Prefix, err error) {
	if len(payload) != LoginReplyLen {
		return addr, addr6, fmt.Errorf("DecodeLoginReply: %w - payload is %d bytes long", ErrProtocolViolation, len(payload))
	}
	var v4 [4]byte
	copy(v4[:], payload[0:4])
	if v4 != [4]byte{} {
		addr = netip.PrefixFrom(netip.AddrFrom4(v4), int(payload[4]))
	}
	var v6 [16]byte
	copy(v6[:], payload[5:21])
	if v6 != [16]byte{} {
		addr6 = netip.PrefixFrom(netip.AddrFrom16(v6), int(payload[21]))
	}
	return
}
