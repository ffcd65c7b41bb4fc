package identity

import (
	"encoding/hex"
	"os"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/kyber/v3"
)

// tomlPublic is the on-disk shape of one PublicIdentity entry: keys are
// hex-encoded since kyber points don't implement toml.Marshaler.
type tomlPublic struct {
	Name       string `toml:"name"`
	Address    string `toml:"address"`
	SigningKey string `toml:"signing_key"`
	DHKey      string `toml:"dh_key"`
	AnonKey    string `toml:"anon_key"`
}

// tomlPrivate additionally carries the three secret scalars, hex-encoded.
// This file must never be distributed: it is the long-term secret of one
// participant.
type tomlPrivate struct {
	tomlPublic
	SigningSecret string `toml:"signing_secret"`
	DHSecret      string `toml:"dh_secret"`
	AnonSecret    string `toml:"anon_secret"`
}

// tomlRoster is a roster's on-disk shape: an ordered list of public
// identities, position in the list being the roster index used
// everywhere else.
type tomlRoster struct {
	Members []tomlPublic `toml:"member"`
}

func marshalPoint(p kyber.Point) (string, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func unmarshalPoint(suite kyber.Group, s string) (kyber.Point, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return p, nil
}

func marshalScalar(s kyber.Scalar) (string, error) {
	b, err := s.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func unmarshalScalar(suite kyber.Group, s string) (kyber.Scalar, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	v := suite.Scalar()
	if err := v.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return v, nil
}

// Save writes priv's identity.toml, including its secrets.
func (priv *PrivateIdentity) Save(path string) error {
	signPub, err := marshalPoint(priv.SigningKey)
	if err != nil {
		return err
	}
	dhPub, err := marshalPoint(priv.DHKey)
	if err != nil {
		return err
	}
	anonPub, err := marshalPoint(priv.AnonKey)
	if err != nil {
		return err
	}
	signSecret, err := marshalScalar(priv.SigningSecret)
	if err != nil {
		return err
	}
	dhSecret, err := marshalScalar(priv.DHSecret)
	if err != nil {
		return err
	}
	anonSecret, err := marshalScalar(priv.AnonSecret)
	if err != nil {
		return err
	}

	out := tomlPrivate{
		tomlPublic: tomlPublic{
			Name:       priv.Name,
			Address:    priv.Address,
			SigningKey: signPub,
			DHKey:      dhPub,
			AnonKey:    anonPub,
		},
		SigningSecret: signSecret,
		DHSecret:      dhSecret,
		AnonSecret:    anonSecret,
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(out)
}

// LoadPrivateIdentity reads an identity.toml written by Save.
func LoadPrivateIdentity(suite kyber.Group, path string) (*PrivateIdentity, error) {
	var in tomlPrivate
	if _, err := toml.DecodeFile(path, &in); err != nil {
		return nil, err
	}
	signPub, err := unmarshalPoint(suite, in.SigningKey)
	if err != nil {
		return nil, err
	}
	dhPub, err := unmarshalPoint(suite, in.DHKey)
	if err != nil {
		return nil, err
	}
	anonPub, err := unmarshalPoint(suite, in.AnonKey)
	if err != nil {
		return nil, err
	}
	signSecret, err := unmarshalScalar(suite, in.SigningSecret)
	if err != nil {
		return nil, err
	}
	dhSecret, err := unmarshalScalar(suite, in.DHSecret)
	if err != nil {
		return nil, err
	}
	anonSecret, err := unmarshalScalar(suite, in.AnonSecret)
	if err != nil {
		return nil, err
	}
	return &PrivateIdentity{
		PublicIdentity: PublicIdentity{
			Name:       in.Name,
			Address:    in.Address,
			SigningKey: signPub,
			DHKey:      dhPub,
			AnonKey:    anonPub,
		},
		SigningSecret: signSecret,
		DHSecret:      dhSecret,
		AnonSecret:    anonSecret,
	}, nil
}

// SaveRoster writes a group.toml-style roster file listing only public
// material, suitable for distributing to every participant.
func SaveRoster(r *Roster, path string) error {
	out := tomlRoster{}
	for _, m := range r.Members {
		signPub, err := marshalPoint(m.SigningKey)
		if err != nil {
			return err
		}
		dhPub, err := marshalPoint(m.DHKey)
		if err != nil {
			return err
		}
		anonPub, err := marshalPoint(m.AnonKey)
		if err != nil {
			return err
		}
		out.Members = append(out.Members, tomlPublic{Name: m.Name, Address: m.Address, SigningKey: signPub, DHKey: dhPub, AnonKey: anonPub})
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(out)
}

// LoadRoster reads a roster file written by SaveRoster.
func LoadRoster(suite kyber.Group, path string) (*Roster, error) {
	var in tomlRoster
	if _, err := toml.DecodeFile(path, &in); err != nil {
		return nil, err
	}
	members := make([]PublicIdentity, 0, len(in.Members))
	for _, m := range in.Members {
		signPub, err := unmarshalPoint(suite, m.SigningKey)
		if err != nil {
			return nil, err
		}
		dhPub, err := unmarshalPoint(suite, m.DHKey)
		if err != nil {
			return nil, err
		}
		anonPub, err := unmarshalPoint(suite, m.AnonKey)
		if err != nil {
			return nil, err
		}
		members = append(members, PublicIdentity{Name: m.Name, Address: m.Address, SigningKey: signPub, DHKey: dhPub, AnonKey: anonPub})
	}
	return NewRoster(members), nil
}
