// Package influxdb records device telemetry in InfluxDB.
//
// Every snapshot change for a device writes one point to the device_state
// measurement: the device ID and category as tags, every numeric or boolean
// field of the record as a field. Named events (press, ring) go to
// device_events. Non-numeric values such as climate modes are skipped.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDeviceState("e1", "energy_meter", rec.Fields(), time.Now())
//
// Writes use the non-blocking batched write API sized by batch_size and
// flush_interval; asynchronous failures are delivered to SetOnError.
package influxdb
