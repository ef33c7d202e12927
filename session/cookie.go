package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultCookieName is the base name for the session cookie and its
	// chunks (appSession, appSession.0, appSession.1, ...).
	DefaultCookieName = "appSession"

	// DefaultChunkSize is the byte threshold above which the packed value is
	// split across multiple cookies.  Browsers cap individual cookies around
	// 4KB.
	DefaultChunkSize = 4096

	// DefaultRollingDuration is how far each authenticated request extends a
	// rolling session.
	DefaultRollingDuration = 24 * time.Hour

	// DefaultAbsoluteDuration caps a session's total lifetime regardless of
	// activity.
	DefaultAbsoluteDuration = 7 * 24 * time.Hour
)

// ErrSessionLifetimeExhausted is returned by Pack when the session's absolute
// duration has already passed and no cookie with a future expiry can be
// produced.
var ErrSessionLifetimeExhausted = errors.New("session absolute lifetime exhausted")

// Codec packs a Session into signed, optionally encrypted, possibly chunked
// cookies and unpacks them on each request.
//
// The wire format of the joined cookie value is
// "b64url(sealed).b64url(hmac-sha256)", where sealed is the JSON envelope,
// AEAD-encrypted when encryption is enabled.  The first configured secret
// seals and signs; every configured secret is accepted when verifying, so
// secrets can be rotated without logging out existing sessions.
//
// Unpack never reports an error to callers: any missing cookie, bad
// signature, failed decryption, parse failure or expired record simply reads
// as "no session".  Cookie problems self-heal on the next login.
type Codec struct {
	name     string
	path     string
	domain   string
	sameSite http.SameSite
	secure   bool

	rolling          bool
	rollingDuration  time.Duration
	absoluteDuration time.Duration

	chunkSize int

	encrypt bool
	newAEAD func(key []byte) (cipher.AEAD, error)

	keys []derivedKeys
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithCookieName sets the base cookie name.
func WithCookieName(name string) CodecOption {
	return func(c *Codec) { c.name = name }
}

// WithPath sets the cookie path.
func WithPath(path string) CodecOption {
	return func(c *Codec) { c.path = path }
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) CodecOption {
	return func(c *Codec) { c.domain = domain }
}

// WithSameSite sets the cookie SameSite attribute.  SameSite=None forces the
// Secure attribute; browsers reject it otherwise.
func WithSameSite(sameSite http.SameSite) CodecOption {
	return func(c *Codec) { c.sameSite = sameSite }
}

// WithSecure sets the cookie Secure attribute.
func WithSecure(secure bool) CodecOption {
	return func(c *Codec) { c.secure = secure }
}

// WithRolling enables or disables rolling sessions.
func WithRolling(rolling bool) CodecOption {
	return func(c *Codec) { c.rolling = rolling }
}

// WithRollingDuration sets how far each re-pack extends a rolling session.
func WithRollingDuration(d time.Duration) CodecOption {
	return func(c *Codec) { c.rollingDuration = d }
}

// WithAbsoluteDuration caps the session's total lifetime.  Zero disables the
// cap.
func WithAbsoluteDuration(d time.Duration) CodecOption {
	return func(c *Codec) { c.absoluteDuration = d }
}

// WithChunkSize overrides the per-cookie byte threshold.
func WithChunkSize(n int) CodecOption {
	return func(c *Codec) { c.chunkSize = n }
}

// WithoutEncryption signs the session payload without encrypting it.  The
// payload is still tamper-proof but readable by the browser.
func WithoutEncryption() CodecOption {
	return func(c *Codec) { c.encrypt = false }
}

// WithAEAD swaps the AEAD construction used to seal cookie payloads, e.g.
// chacha20poly1305.NewX.  The default is AES-256-GCM.
func WithAEAD(f func(key []byte) (cipher.AEAD, error)) CodecOption {
	return func(c *Codec) { c.newAEAD = f }
}

func aesGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// NewCodec creates a cookie codec from the configured secrets.  The first
// secret is the active signing/encryption secret; all secrets verify.
func NewCodec(secrets []string, opt ...CodecOption) (*Codec, error) {
	const op = "session.NewCodec"
	keys, err := deriveKeys(secrets)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c := &Codec{
		name:             DefaultCookieName,
		path:             "/",
		sameSite:         http.SameSiteLaxMode,
		secure:           true,
		rolling:          true,
		rollingDuration:  DefaultRollingDuration,
		absoluteDuration: DefaultAbsoluteDuration,
		chunkSize:        DefaultChunkSize,
		encrypt:          true,
		newAEAD:          aesGCM,
		keys:             keys,
	}
	for _, o := range opt {
		o(c)
	}
	if c.path == "" {
		c.path = "/"
	}
	if c.sameSite == http.SameSiteNoneMode {
		c.secure = true
	}
	if c.chunkSize <= 0 {
		c.chunkSize = DefaultChunkSize
	}
	// validate the AEAD against the active key up front so a bad custom
	// factory fails at construction, not at the first login
	if c.encrypt {
		if _, err := c.newAEAD(keys[0].encryption); err != nil {
			return nil, fmt.Errorf("%s: invalid AEAD: %w", op, err)
		}
	}
	return c, nil
}

// Name returns the base cookie name.
func (c *Codec) Name() string { return c.name }

// envelope is the signed cookie payload.
type envelope struct {
	Session   *Session `json:"data"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp,omitempty"`
}

// expiry computes the cookie-level expiry for a pack at "now".  Rolling
// sessions extend by the rolling duration, never past the absolute cap
// measured from the session's creation.
func (c *Codec) expiry(s *Session, now time.Time) (time.Time, error) {
	var absoluteEnd time.Time
	if c.absoluteDuration > 0 {
		absoluteEnd = s.CreatedTime().Add(c.absoluteDuration)
		if !absoluteEnd.After(now) {
			return time.Time{}, ErrSessionLifetimeExhausted
		}
	}
	if !c.rolling {
		return absoluteEnd, nil
	}
	exp := now.Add(c.rollingDuration)
	if !absoluteEnd.IsZero() && exp.After(absoluteEnd) {
		exp = absoluteEnd
	}
	return exp, nil
}

// Pack serializes, seals and signs the session and returns the Set-Cookie
// values carrying it: a single cookie when the value fits the chunk size,
// otherwise ordered chunks named <name>.0..N.
func (c *Codec) Pack(s *Session, now time.Time) ([]*http.Cookie, error) {
	const op = "session.(Codec).Pack"
	if s == nil {
		return nil, fmt.Errorf("%s: session is nil", op)
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = now.Unix()
	}
	exp, err := c.expiry(s, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	env := envelope{
		Session:  s,
		IssuedAt: now.Unix(),
	}
	if !exp.IsZero() {
		env.ExpiresAt = exp.Unix()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to marshal session: %w", op, err)
	}
	sealed := payload
	if c.encrypt {
		sealed, err = c.seal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	mac := computeMAC(c.keys[0].signing, sealed)
	value := base64.RawURLEncoding.EncodeToString(sealed) + "." + base64.RawURLEncoding.EncodeToString(mac)

	maxAge := 0
	if !exp.IsZero() {
		maxAge = int(exp.Sub(now).Seconds())
	}

	if len(value) <= c.chunkSize {
		return []*http.Cookie{c.newCookie(c.name, value, maxAge, exp)}, nil
	}
	var cookies []*http.Cookie
	for i := 0; len(value) > 0; i++ {
		n := c.chunkSize
		if n > len(value) {
			n = len(value)
		}
		cookies = append(cookies, c.newCookie(fmt.Sprintf("%s.%d", c.name, i), value[:n], maxAge, exp))
		value = value[n:]
	}
	return cookies, nil
}

func (c *Codec) seal(payload []byte) ([]byte, error) {
	aead, err := c.newAEAD(c.keys[0].encryption)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("unable to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, payload, c.aad()), nil
}

func (c *Codec) open(sealed []byte, keyIdx int) ([]byte, error) {
	aead, err := c.newAEAD(c.keys[keyIdx].encryption)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrValueFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, c.aad())
}

// aad binds the sealed payload to the cookie's identity so a value set for
// one cookie configuration cannot be replayed under another.
func (c *Codec) aad() []byte {
	return []byte(c.name + ":" + c.domain + ":" + c.path)
}

// Unpack reassembles the session cookie(s) from the request and returns the
// session, or nil when the request carries no valid session.  It never
// returns an error: an unreadable session cookie means "not authenticated",
// not an internal failure.
func (c *Codec) Unpack(cookies []*http.Cookie, now time.Time) *Session {
	value := c.assemble(cookies)
	if value == "" {
		return nil
	}
	sealed, keyIdx, err := openSignedIndexed(c.keys, value)
	if err != nil {
		return nil
	}
	payload := sealed
	if c.encrypt {
		payload, err = c.open(sealed, keyIdx)
		if err != nil {
			return nil
		}
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Session == nil {
		return nil
	}
	if env.ExpiresAt != 0 && now.After(time.Unix(env.ExpiresAt, 0)) {
		return nil
	}
	if c.absoluteDuration > 0 && now.After(env.Session.CreatedTime().Add(c.absoluteDuration)) {
		return nil
	}
	return env.Session
}

// assemble joins the chunked cookie values in numeric order.  A bare cookie
// with the base name wins; otherwise chunks must be contiguous from .0, and
// a missing chunk means the value cannot be trusted and reads as no session.
func (c *Codec) assemble(cookies []*http.Cookie) string {
	chunks := map[int]string{}
	for _, ck := range cookies {
		if ck.Name == c.name {
			return ck.Value
		}
		if idx, ok := c.chunkIndex(ck.Name); ok {
			chunks[idx] = ck.Value
		}
	}
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(chunks); i++ {
		chunk, ok := chunks[i]
		if !ok {
			return ""
		}
		b.WriteString(chunk)
	}
	return b.String()
}

// chunkIndex parses the numeric suffix of a chunked cookie name.
func (c *Codec) chunkIndex(name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, c.name+".")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// ClearCookies returns expired, empty cookies for the base cookie name and
// every chunk observed on the request, using the same attributes the codec
// sets, so browsers actually delete them.
func (c *Codec) ClearCookies(reqCookies []*http.Cookie) []*http.Cookie {
	names := []string{c.name}
	for _, ck := range reqCookies {
		if _, ok := c.chunkIndex(ck.Name); ok {
			names = append(names, ck.Name)
		}
	}
	out := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		ck := c.newCookie(name, "", -1, time.Unix(0, 0))
		out = append(out, ck)
	}
	return out
}

// ClearStaleCookies returns expired deletes for session cookies present on
// the request that the fresh Set-Cookie values from Pack do not overwrite.
// Re-packing can shrink the chunk count or flip between chunked and bare;
// a leftover stale name would otherwise poison reassembly on the next
// request (a stale tail chunk corrupts the joined value, a stale bare
// cookie shadows the chunks) until the session MAC fails and the user is
// silently logged out.
func (c *Codec) ClearStaleCookies(reqCookies, fresh []*http.Cookie) []*http.Cookie {
	written := make(map[string]bool, len(fresh))
	for _, ck := range fresh {
		written[ck.Name] = true
	}
	var out []*http.Cookie
	for _, ck := range reqCookies {
		_, isChunk := c.chunkIndex(ck.Name)
		if !isChunk && ck.Name != c.name {
			continue
		}
		if written[ck.Name] {
			continue
		}
		written[ck.Name] = true
		out = append(out, c.newCookie(ck.Name, "", -1, time.Unix(0, 0)))
	}
	return out
}

func (c *Codec) newCookie(name, value string, maxAge int, expires time.Time) *http.Cookie {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.path,
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
		MaxAge:   maxAge,
	}
	if !expires.IsZero() && !expires.Equal(time.Unix(0, 0)) {
		ck.Expires = expires
	}
	if maxAge < 0 {
		ck.Expires = time.Unix(0, 0)
	}
	return ck
}
