package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pquerna/otp/totp"

	"github.com/aeolun/securechat/pkg/crypto"
)

func main() {
	keyPath := flag.String("key", "~/.securechat/server.pem", "Where to write the server private key")
	publicPath := flag.String("public", "", "Also write the public key (PEM) here, for clients to pin")
	bits := flag.Int("bits", crypto.DefaultKeyBits, "RSA key size")
	force := flag.Bool("force", false, "Overwrite an existing private key")
	issuer := flag.String("issuer", "SecureChat", "TOTP issuer shown in authenticator apps")
	account := flag.String("account", "server", "TOTP account name shown in authenticator apps")
	flag.Parse()

	if *bits < 2048 {
		log.Fatalf("Key size %d is too small (minimum 2048)", *bits)
	}

	path, err := crypto.ExpandHome(*keyPath)
	if err != nil {
		log.Fatalf("Failed to resolve key path: %v", err)
	}
	if _, err := os.Stat(path); err == nil && !*force {
		log.Fatalf("%s already exists, pass -force to replace it", path)
	}

	key, err := crypto.GenerateKeyPair(*bits)
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}
	if err := crypto.SavePrivateKey(path, key); err != nil {
		log.Fatalf("Failed to save key: %v", err)
	}

	public, err := crypto.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		log.Fatalf("Failed to encode public key: %v", err)
	}
	if *publicPath != "" {
		out, err := crypto.ExpandHome(*publicPath)
		if err != nil {
			log.Fatalf("Failed to resolve public key path: %v", err)
		}
		if err := os.WriteFile(out, []byte(public), 0o644); err != nil {
			log.Fatalf("Failed to write public key: %v", err)
		}
	}

	otpKey, err := totp.Generate(totp.GenerateOpts{Issuer: *issuer, AccountName: *account})
	if err != nil {
		log.Fatalf("Failed to generate TOTP secret: %v", err)
	}

	fmt.Printf("Private key written to %s (%d bits)\n", path, *bits)
	if *publicPath != "" {
		fmt.Printf("Public key written to %s\n", *publicPath)
	}
	fmt.Println()
	fmt.Print(public)
	fmt.Println()
	fmt.Println("Add the secret to the [security] section of the server config or export it:")
	fmt.Printf("  otp_secret = %q\n", otpKey.Secret())
	fmt.Printf("  export SECURECHAT_AUTHKEY=%s\n", otpKey.Secret())
	fmt.Println()
	fmt.Println("Provisioning URL for authenticator apps:")
	fmt.Println("  " + otpKey.URL())
}
