// Command vapidkeys prints a fresh VAPID key pair in .env form.
package main

import (
	"flag"
	"fmt"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"
)

func main() {
	subject := flag.String("subject", "mailto:admin@campuscruiser.app", "VAPID subject (mailto: or https: URL)")
	flag.Parse()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		logrus.WithError(err).Fatal("failed to generate VAPID keys")
	}

	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
	fmt.Printf("VAPID_SUBJECT=%s\n", *subject)
}
