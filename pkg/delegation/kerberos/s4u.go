package kerberos

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // rfc4757 mandates HMAC-MD5 for PA-FOR-USER
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/client"
	krbconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/iana/errorcode"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
)

// KDC option bit 14, cname-in-addl-tkt, marks a TGS-REQ as S4U2Proxy
// (MS-SFU 2.2.4).
const flagCNameInAddlTkt = 14

// hmacMD5ArcfourKerberos is the checksum type of the PA-FOR-USER body
// (MS-SFU 2.2.1).
const hmacMD5ArcfourKerberos = -138

// s4uAuthPackage is the fixed auth-package value of PA-FOR-USER.
const s4uAuthPackage = "Kerberos"

// krbMaterial carries the raw ticket and session key between the two
// protocol transitions.
type krbMaterial struct {
	ticket messages.Ticket
	key    types.EncryptionKey
}

type krbTransitioner struct {
	cl    *client.Client
	realm string
}

// newTransitioner builds the gokrb5 client from the module configuration.
func newTransitioner(cfg config.KerberosConfig) (*krbTransitioner, error) {
	realm := strings.ToUpper(cfg.Realm)
	confStr := fmt.Sprintf(`[libdefaults]
  default_realm = %s
  dns_lookup_kdc = false
  udp_preference_limit = 1

[realms]
  %s = {
    kdc = %s
  }
`, realm, realm, cfg.KDCAddress)
	krb5conf, err := krbconfig.NewFromString(confStr)
	if err != nil {
		return nil, errors.New(errors.ErrConfigInvalid, "invalid kerberos configuration", err)
	}

	principal := cfg.ServicePrincipal
	var cl *client.Client
	if cfg.KeytabPath != "" {
		kt, err := keytab.Load(cfg.KeytabPath)
		if err != nil {
			return nil, errors.New(errors.ErrConfigInvalid, "cannot load keytab", err)
		}
		// Active Directory does not commonly support FAST negotiation.
		cl = client.NewWithKeytab(principal, realm, kt, krb5conf, client.DisablePAFXFAST(true))
	} else {
		cl = client.NewWithPassword(principal, realm, cfg.Password, krb5conf, client.DisablePAFXFAST(true))
	}
	return &krbTransitioner{cl: cl, realm: realm}, nil
}

// Login implements transitioner.
func (k *krbTransitioner) Login() error {
	if err := k.cl.Login(); err != nil {
		return mapKRBError(err, "cannot obtain service TGT")
	}
	return nil
}

// Close implements transitioner.
func (k *krbTransitioner) Close() {
	k.cl.Destroy()
}

// SelfTicket implements transitioner: an S4U2Self exchange yielding a ticket
// to this service in the user's name.
func (k *krbTransitioner) SelfTicket(userPrincipal string) (*Ticket, error) {
	tgt, sessionKey, err := k.cl.GetServiceTicket("krbtgt/" + k.realm)
	if err != nil {
		return nil, mapKRBError(err, "cannot obtain service TGT")
	}

	cname := k.cl.Credentials.CName()
	tgsReq, err := messages.NewTGSReq(cname, k.realm, k.cl.Config, tgt, sessionKey, cname, false)
	if err != nil {
		return nil, errors.New(errors.ErrDelegationFailed, "cannot build S4U2Self request", err)
	}

	userName, userRealm := splitPrincipal(userPrincipal, k.realm)
	pa, err := paForUser(userName, userRealm, sessionKey)
	if err != nil {
		return nil, errors.New(errors.ErrDelegationFailed, "cannot build S4U2Self request", err)
	}
	tgsReq.PAData = append(tgsReq.PAData, pa)

	_, tgsRep, err := k.cl.TGSExchange(tgsReq, k.realm, tgt, sessionKey, 0)
	if err != nil {
		return nil, mapKRBError(err, "S4U2Self exchange failed")
	}

	return &Ticket{
		UserPrincipal: userPrincipal,
		ExpiresAt:     tgsRep.DecryptedEncPart.EndTime,
		krb: &krbMaterial{
			ticket: tgsRep.Ticket,
			key:    tgsRep.DecryptedEncPart.Key,
		},
	}, nil
}

// ProxyTicket implements transitioner: an S4U2Proxy exchange presenting the
// self ticket as evidence.
func (k *krbTransitioner) ProxyTicket(self *Ticket, targetSPN string) (*Ticket, error) {
	if self.krb == nil {
		return nil, errors.Newf(errors.ErrDelegationFailed, "self ticket carries no Kerberos material")
	}
	tgt, sessionKey, err := k.cl.GetServiceTicket("krbtgt/" + k.realm)
	if err != nil {
		return nil, mapKRBError(err, "cannot obtain service TGT")
	}

	spn := types.PrincipalName{
		NameType:   nametype.KRB_NT_SRV_INST,
		NameString: strings.Split(targetSPN, "/"),
	}
	tgsReq, err := messages.NewTGSReq(k.cl.Credentials.CName(), k.realm, k.cl.Config, tgt, sessionKey, spn, false)
	if err != nil {
		return nil, errors.New(errors.ErrDelegationFailed, "cannot build S4U2Proxy request", err)
	}
	types.SetFlag(&tgsReq.ReqBody.KDCOptions, flags.Forwardable)
	types.SetFlag(&tgsReq.ReqBody.KDCOptions, flagCNameInAddlTkt)
	tgsReq.ReqBody.AdditionalTickets = append(tgsReq.ReqBody.AdditionalTickets, self.krb.ticket)

	_, tgsRep, err := k.cl.TGSExchange(tgsReq, k.realm, tgt, sessionKey, 0)
	if err != nil {
		return nil, mapKRBError(err, "S4U2Proxy exchange failed")
	}

	negToken, err := spnego.NewNegTokenInitKRB5(k.cl, tgsRep.Ticket, tgsRep.DecryptedEncPart.Key)
	if err != nil {
		return nil, errors.New(errors.ErrDelegationFailed, "cannot build SPNEGO token", err)
	}
	spnegoBytes, err := negToken.Marshal()
	if err != nil {
		return nil, errors.New(errors.ErrDelegationFailed, "cannot build SPNEGO token", err)
	}

	return &Ticket{
		UserPrincipal: self.UserPrincipal,
		TargetSPN:     targetSPN,
		ExpiresAt:     tgsRep.DecryptedEncPart.EndTime,
		SPNEGO:        spnegoBytes,
		krb: &krbMaterial{
			ticket: tgsRep.Ticket,
			key:    tgsRep.DecryptedEncPart.Key,
		},
	}, nil
}

// paForUserBody is the KERB-PA-FOR-USER structure of MS-SFU 2.2.1.
type paForUserBody struct {
	UserName    types.PrincipalName `asn1:"explicit,tag:0"`
	UserRealm   string              `asn1:"generalstring,explicit,tag:1"`
	Cksum       types.Checksum      `asn1:"explicit,tag:2"`
	AuthPackage string              `asn1:"generalstring,explicit,tag:3"`
}

// paForUser builds the PA-FOR-USER padata naming the impersonated user,
// integrity-protected with HMAC-MD5 under the TGT session key.
func paForUser(userName, userRealm string, sessionKey types.EncryptionKey) (types.PAData, error) {
	principal := types.PrincipalName{
		NameType:   nametype.KRB_NT_ENTERPRISE,
		NameString: []string{userName},
	}

	checksumData := make([]byte, 4)
	binary.LittleEndian.PutUint32(checksumData, uint32(principal.NameType))
	for _, part := range principal.NameString {
		checksumData = append(checksumData, part...)
	}
	checksumData = append(checksumData, userRealm...)
	checksumData = append(checksumData, s4uAuthPackage...)

	body := paForUserBody{
		UserName:  principal,
		UserRealm: userRealm,
		Cksum: types.Checksum{
			CksumType: hmacMD5ArcfourKerberos,
			Checksum:  rfc4757Checksum(sessionKey.KeyValue, 17, checksumData),
		},
		AuthPackage: s4uAuthPackage,
	}
	raw, err := asn1.Marshal(body)
	if err != nil {
		return types.PAData{}, err
	}
	return types.PAData{PADataType: patype.PA_FOR_USER, PADataValue: raw}, nil
}

// rfc4757Checksum is the HMAC-MD5 checksum of RFC 4757 §4.
func rfc4757Checksum(key []byte, usage uint32, data []byte) []byte {
	signatureKey := hmac.New(md5.New, key)
	signatureKey.Write([]byte("signaturekey\x00"))
	ksign := signatureKey.Sum(nil)

	usageBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(usageBytes, usage)
	inner := md5.New() //nolint:gosec
	inner.Write(usageBytes)
	inner.Write(data)

	outer := hmac.New(md5.New, ksign)
	outer.Write(inner.Sum(nil))
	return outer.Sum(nil)
}

// splitPrincipal separates an optionally qualified principal into name and
// realm, defaulting to the module realm.
func splitPrincipal(principal, defaultRealm string) (string, string) {
	if at := strings.LastIndexByte(principal, '@'); at >= 0 {
		return principal[:at], principal[at+1:]
	}
	return principal, defaultRealm
}

// mapKRBError converts gokrb5 failures to taxonomy errors. KDC-reported
// clock skew maps to its own kind; anything without a KRB-ERROR body is
// treated as an unreachable KDC.
func mapKRBError(err error, message string) error {
	var krbErr messages.KRBError
	if stderrors.As(err, &krbErr) {
		if krbErr.ErrorCode == errorcode.KRB_AP_ERR_SKEW {
			return errors.New(errors.ErrClockSkew,
				"clock skew with the KDC exceeds the permitted window", err)
		}
		return errors.New(errors.ErrDelegationFailed, message, err)
	}
	return errors.New(errors.ErrKDCUnreachable, "KDC is unreachable", err)
}
