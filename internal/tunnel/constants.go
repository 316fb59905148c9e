package tunnel

import "time"

/* Protocol timing and limit constants. These fix wire-visible behaviour
 * and must not be tuned per deployment.
 */
const (
	RekeyAfterMessages  = uint64(1) << 60
	RejectAfterMessages = ^uint64(0) - (1 << 13)
	RekeyAfterTime      = 120 * time.Second
	RejectAfterTime     = 180 * time.Second
	RekeyAttemptTime    = 90 * time.Second
	RekeyTimeout        = 5 * time.Second
	KeepaliveTimeout    = 10 * time.Second
	CookieRefreshTime   = 120 * time.Second
	MaxPeers            = 1 << 16

	// HandshakeInitationRate is the per-peer floor between two consumed
	// initiations.
	HandshakeInitationRate = time.Second / 20
)

const (
	NoiseConstruction = "Noise_IK_25519_ChaChaPoly_BLAKE2s"
	WGIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	WGLabelMAC1       = "mac1----"
	WGLabelCookie     = "cookie--"
)

const (
	// PaddingMultiple is the block size plaintext is zero-padded to
	// before transport encryption.
	PaddingMultiple = 16

	// DefaultMTU is the default tunnel MTU.
	DefaultMTU = 1420

	// DefaultListenPort is the default UDP port for the tunnel socket.
	DefaultListenPort = 51820
)
