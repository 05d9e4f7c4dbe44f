package main

import (
	"fmt"
	"log"

	"github.com/smarttransit/seat-booking-backend/internal/utils"
)

func main() {
	fmt.Println("===========================================")
	fmt.Println("Secret Generator for SmartTransit Seat Booking")
	fmt.Println("===========================================")
	fmt.Println()

	jwtSecret, err := utils.GenerateSecret(32)
	if err != nil {
		log.Fatalf("Failed to generate JWT secret: %v", err)
	}

	// Flutterwave signs every webhook body with this key (flutterwave-signature header)
	webhookHash, err := utils.GenerateSecret(24)
	if err != nil {
		log.Fatalf("Failed to generate webhook secret: %v", err)
	}

	fmt.Println("✅ Secrets generated successfully!")
	fmt.Println()
	fmt.Println("Add these to your .env file or deployment secrets:")
	fmt.Println()
	fmt.Printf("JWT_SECRET=%s\n", jwtSecret)
	fmt.Printf("FLUTTERWAVE_WEBHOOK_SECRET=%s\n", webhookHash)
	fmt.Println()
	fmt.Println("Set the same FLUTTERWAVE_WEBHOOK_SECRET as the webhook secret in the Flutterwave dashboard.")
	fmt.Println("STRIPE_WEBHOOK_SECRET (whsec_...) is issued by Stripe when the endpoint is registered.")
	fmt.Println()
	fmt.Println("⚠️  IMPORTANT: Keep these secrets safe and never commit them to version control!")
	fmt.Println("===========================================")
}
