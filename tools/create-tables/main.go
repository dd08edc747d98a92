package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	aws_pkg "github.com/yashrajoria/cart-sync/pkg/aws"
)

// Creates the cart table (with a NEW_IMAGE stream for the relay) and the relay lease table.
// Tables that already exist are left alone.
func main() {
	var cartsTable, leasesTable, region string
	flag.StringVar(&cartsTable, "carts", envOr("CARTS_TABLE", "Carts"), "cart table name")
	flag.StringVar(&leasesTable, "leases", envOr("LEASES_TABLE", "CartLeases"), "relay lease table name")
	flag.StringVar(&region, "region", os.Getenv("AWS_REGION"), "AWS region")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	awsCfg, err := aws_pkg.LoadAWSConfigForRegion(ctx, region)
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}
	client := dynamodb.NewFromConfig(awsCfg)

	tables := []*dynamodb.CreateTableInput{
		{
			TableName: aws.String(cartsTable),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("user_id"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("user_id"), KeyType: types.KeyTypeHash},
			},
			BillingMode: types.BillingModePayPerRequest,
			StreamSpecification: &types.StreamSpecification{
				StreamEnabled:  aws.Bool(true),
				StreamViewType: types.StreamViewTypeNewImage,
			},
		},
		{
			TableName: aws.String(leasesTable),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("lease_key"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("lease_key"), KeyType: types.KeyTypeHash},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}

	for _, in := range tables {
		if err := createTable(ctx, client, in); err != nil {
			log.Fatalf("create %s: %v", aws.ToString(in.TableName), err)
		}
	}
}

func createTable(ctx context.Context, client *dynamodb.Client, in *dynamodb.CreateTableInput) error {
	name := aws.ToString(in.TableName)
	_, err := client.CreateTable(ctx, in)
	var inUse *types.ResourceInUseException
	switch {
	case errors.As(err, &inUse):
		log.Printf("table %s already exists", name)
		return nil
	case err != nil:
		return err
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: in.TableName}, time.Minute); err != nil {
		return err
	}
	log.Printf("created table %s", name)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
